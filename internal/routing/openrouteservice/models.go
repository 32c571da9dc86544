package openrouteservice

import "encoding/json"

// directionsRequest is the ORS /v2/directions request body.
type directionsRequest struct {
	Coordinates  [][]float64 `json:"coordinates"`
	Instructions bool        `json:"instructions"`
	Geometry     bool        `json:"geometry"`
	Units        string      `json:"units"`
	Language     string      `json:"language"`
}

type directionsResponse struct {
	Routes []orsRoute `json:"routes"`
	BBox   []float64  `json:"bbox,omitempty"`
}

type orsRoute struct {
	Summary   routeSummary   `json:"summary"`
	Segments  []routeSegment `json:"segments,omitempty"`
	BBox      []float64      `json:"bbox,omitempty"`
	Geometry  string         `json:"geometry"`
	WayPoints []int          `json:"way_points,omitempty"`
}

type routeSummary struct {
	Distance float64 `json:"distance"`
	Duration float64 `json:"duration"`
}

// routeSegment is the leg between two consecutive waypoints.
type routeSegment struct {
	Distance float64     `json:"distance"`
	Duration float64     `json:"duration"`
	Steps    []routeStep `json:"steps,omitempty"`
}

type routeStep struct {
	Distance    float64 `json:"distance"`
	Duration    float64 `json:"duration"`
	Type        int     `json:"type"`
	Instruction string  `json:"instruction"`
	Name        string  `json:"name"`
	WayPoints   []int   `json:"way_points,omitempty"` // indices into the decoded geometry
}

// optimizationRequest is the VROOM-style body accepted by ORS /optimization.
type optimizationRequest struct {
	Jobs     []job               `json:"jobs"`
	Vehicles []vehicle           `json:"vehicles"`
	Options  *optimizationOption `json:"options,omitempty"`
}

type job struct {
	ID       int       `json:"id"`
	Location []float64 `json:"location"`
}

type vehicle struct {
	ID      int       `json:"id"`
	Profile string    `json:"profile"`
	Start   []float64 `json:"start"`
	End     []float64 `json:"end,omitempty"`
}

type optimizationOption struct {
	Geometry bool `json:"g"`
}

type optimizationResponse struct {
	Code       int                 `json:"code"`
	Routes     []optimizationRoute `json:"routes"`
	Unassigned []struct {
		ID int `json:"id"`
	} `json:"unassigned"`
}

type optimizationRoute struct {
	Vehicle  int                `json:"vehicle"`
	Distance float64            `json:"distance"`
	Duration float64            `json:"duration"`
	Geometry string             `json:"geometry"`
	Steps    []optimizationStep `json:"steps"`
}

type optimizationStep struct {
	Type     string    `json:"type"` // start, job, end
	ID       int       `json:"id,omitempty"`
	Location []float64 `json:"location,omitempty"`
}

// errorResponse covers both error shapes ORS returns: an object with a
// numeric code for directions and a plain string for optimization.
type errorResponse struct {
	Error json.RawMessage `json:"error"`
	Code  int             `json:"code,omitempty"`
}

type errorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e errorResponse) detail() errorDetail {
	var d errorDetail
	if len(e.Error) == 0 {
		return d
	}
	if err := json.Unmarshal(e.Error, &d); err == nil {
		return d
	}
	var msg string
	if err := json.Unmarshal(e.Error, &msg); err == nil {
		d.Message = msg
	}
	d.Code = e.Code
	return d
}

// ORS error codes used for mapping.
const (
	orsErrorCodePointNotFound = 2010 // Point not routable
	orsErrorCodeNotFound      = 2009 // Route not found
	orsErrorCodeExceeded      = 2004 // Request parameters exceed limits
)
