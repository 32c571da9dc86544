package osrm

// response is shared by /route and /trip; the former fills Routes and the
// latter Trips.
type response struct {
	Code      string     `json:"code"`
	Message   string     `json:"message,omitempty"`
	Routes    []route    `json:"routes,omitempty"`
	Trips     []route    `json:"trips,omitempty"`
	Waypoints []waypoint `json:"waypoints,omitempty"`
}

type route struct {
	Distance float64 `json:"distance"`
	Duration float64 `json:"duration"`
	Geometry string  `json:"geometry"`
	Legs     []leg   `json:"legs"`
}

type leg struct {
	Distance float64 `json:"distance"`
	Duration float64 `json:"duration"`
	Summary  string  `json:"summary"`
	Steps    []step  `json:"steps"`
}

type step struct {
	Distance float64  `json:"distance"`
	Duration float64  `json:"duration"`
	Name     string   `json:"name"`
	Maneuver maneuver `json:"maneuver"`
}

type maneuver struct {
	Type     string    `json:"type"`
	Modifier string    `json:"modifier,omitempty"`
	Location []float64 `json:"location"` // [lon, lat]
	Exit     int       `json:"exit,omitempty"`
}

// waypoint is reported in input order. For trips, WaypointIndex is the
// position of that input within the trip.
type waypoint struct {
	Name          string    `json:"name"`
	Location      []float64 `json:"location"`
	WaypointIndex int       `json:"waypoint_index"`
	TripsIndex    int       `json:"trips_index"`
}

// OSRM response codes.
const (
	codeOK           = "Ok"
	codeNoRoute      = "NoRoute"
	codeNoTrips      = "NoTrips"
	codeNoSegment    = "NoSegment"
	codeTooBig       = "TooBig"
	codeInvalidQuery = "InvalidQuery"
	codeInvalidValue = "InvalidValue"
)
