package models

import (
	"github.com/stopwise/stopwise/internal/geocoding"
	"github.com/stopwise/stopwise/internal/optimizer"
	"github.com/stopwise/stopwise/internal/session"
)

// CreateSessionRequest is the body of POST /v1/sessions. The body is
// optional.
type CreateSessionRequest struct {
	Trigger string `json:"trigger,omitempty" validate:"omitempty,oneof=route optimize manual"`
}

// SessionResponse returns a session with its access token.
type SessionResponse struct {
	Session     session.View `json:"session"`
	AccessToken string       `json:"accessToken"`
	TokenType   string       `json:"tokenType"`
	ExpiresAt   Timestamp    `json:"expiresAt"`
}

// AddStopRequest adds a stop by coordinate or by address. Exactly one of
// lat/lon and address must be given.
type AddStopRequest struct {
	Lat     *float64 `json:"lat,omitempty" validate:"required_without=Address,excluded_with=Address,omitempty,gte=-90,lte=90"`
	Lon     *float64 `json:"lon,omitempty" validate:"required_with=Lat,excluded_with=Address,omitempty,gte=-180,lte=180"`
	Address string   `json:"address,omitempty" validate:"omitempty,max=512"`
	Label   string   `json:"label,omitempty" validate:"max=200"`
}

// AddStopResponse is returned for a new stop.
type AddStopResponse struct {
	Stop    StopView         `json:"stop"`
	Place   *geocoding.Place `json:"place,omitempty"`
	Session session.View     `json:"session"`
}

// StopView is a stop with its current position in the list.
type StopView struct {
	ID    string  `json:"id"`
	Index int     `json:"index"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Label string  `json:"label,omitempty"`
}

// EditStopRequest edits the label, the coordinate, or both. Lat and lon go
// together.
type EditStopRequest struct {
	Label *string  `json:"label,omitempty" validate:"omitempty,max=200"`
	Lat   *float64 `json:"lat,omitempty" validate:"required_with=Lon,omitempty,gte=-90,lte=90"`
	Lon   *float64 `json:"lon,omitempty" validate:"required_with=Lat,omitempty,gte=-180,lte=180"`
}

// MoveStopRequest moves one stop to an index. Out-of-range indices clamp.
type MoveStopRequest struct {
	Index *int `json:"index" validate:"required"`
}

// ReorderRequest is a drag from one list position to another.
type ReorderRequest struct {
	FromIndex *int `json:"fromIndex" validate:"required,gte=0"`
	ToIndex   *int `json:"toIndex" validate:"required"`
}

// ClusterRequest asks for the stops grouped into K clusters. K is clamped
// to the number of stops.
type ClusterRequest struct {
	K *int `json:"k" validate:"required,gte=1"`
}

// ReplaceOrderRequest sets the full stop order.
type ReplaceOrderRequest struct {
	StopIDs []string `json:"stopIds" validate:"required,min=1,dive,required"`
}

// RouteResponse is returned by the route and optimize endpoints. Applied is
// false when the result was superseded by a newer stop list; Session then
// reflects the newer state.
type RouteResponse struct {
	Applied bool                   `json:"applied"`
	Route   *optimizer.RouteResult `json:"route,omitempty"`
	Session session.View           `json:"session"`
}

// GeocodeRequest is the body of POST /v1/geocode.
type GeocodeRequest struct {
	Address string `json:"address" validate:"required,max=512"`
}
