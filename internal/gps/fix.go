package gps

// Fix represents a single combined GPS fix suitable for JSON and MQTT.
type Fix struct {
	Time       string  `json:"time"`        // e.g. "12:34:56"
	Date       string  `json:"date"`        // e.g. "2025-12-06"
	Latitude   float64 `json:"lat"`         // decimal degrees
	Longitude  float64 `json:"lon"`         // decimal degrees
	Altitude   float64 `json:"alt_m"`       // meters above mean sea level
	SpeedKnots float64 `json:"speed_knots"` // speed over ground
	CourseDeg  float64 `json:"course_deg"`  // course over ground
	HDOP       float64 `json:"hdop"`        // horizontal dilution of precision
	Satellites int64   `json:"sats"`        // satellites used in the fix
	Validity   string  `json:"validity"`    // "A" (valid) / "V" (void), etc.
}
