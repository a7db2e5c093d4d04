package models

// Incident is a single reported incident from a monthly street file
type Incident struct {
	CrimeID       string  `json:"crime_id,omitempty"`
	Month         Month   `json:"month"`
	ReportedBy    string  `json:"reported_by"`
	Category      string  `json:"category"`
	Outcome       string  `json:"outcome,omitempty"`
	Location      string  `json:"location,omitempty"`
	Longitude     float64 `json:"longitude"`
	Latitude      float64 `json:"latitude"`
	HasLocation   bool    `json:"has_location"`
	SmallAreaCode string  `json:"small_area_code,omitempty"`
	SmallAreaName string  `json:"small_area_name,omitempty"`
}

// HasGeography reports whether the incident can be placed on a map or joined to an area
func (i Incident) HasGeography() bool {
	return i.SmallAreaCode != "" || i.HasLocation
}

// JoinedIncident is an incident after it has been assigned to a ward
type JoinedIncident struct {
	Incident
	WardCode    string `json:"ward_code"`
	WardName    string `json:"ward_name"`
	BoroughCode string `json:"borough_code"`
	BoroughName string `json:"borough_name"`
}

// AreaCode returns the code of the area at the given level
func (j JoinedIncident) AreaCode(level Level) string {
	switch level {
	case LevelSmallArea:
		return j.SmallAreaCode
	case LevelBorough:
		return j.BoroughCode
	default:
		return j.WardCode
	}
}

// AreaName returns the name of the area at the given level
func (j JoinedIncident) AreaName(level Level) string {
	switch level {
	case LevelSmallArea:
		return j.SmallAreaName
	case LevelBorough:
		return j.BoroughName
	default:
		return j.WardName
	}
}
