package schema

import "time"

// Location is a geo-coordinate pair captured on the device.
type Location struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
}

// CheckIn starts an attendance record for the given work type.
type CheckIn struct {
	WorkType  string    `json:"work_type" validate:"required"`
	Location  *Location `json:"location" validate:"required"`
	Timestamp time.Time `json:"timestamp"`
}

// CheckOut closes the open attendance record.
type CheckOut struct {
	Location  *Location `json:"location" validate:"required"`
	Timestamp time.Time `json:"timestamp"`
}

// MediaRef points at a photo or video attached to a complaint.
type MediaRef struct {
	URI         string `json:"uri" validate:"required"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
}

// Complaint is a grievance raised by a member, optionally anonymous.
type Complaint struct {
	Category    string     `json:"category" validate:"required"`
	Description string     `json:"description" validate:"required,min=10"`
	Anonymous   bool       `json:"anonymous"`
	Location    *Location  `json:"location,omitempty"`
	Media       []MediaRef `json:"media,omitempty" validate:"dive"`
}
