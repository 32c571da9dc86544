package osrm

import (
	"strconv"
	"strings"

	"github.com/stopwise/stopwise/internal/routing"
)

// OSRM returns structured maneuvers rather than text; these helpers build
// English instructions and map them onto routing.Maneuver.

func toManeuver(m maneuver) routing.Maneuver {
	switch m.Type {
	case "depart":
		return routing.ManeuverDepart
	case "arrive":
		return routing.ManeuverArrive
	case "roundabout", "rotary", "roundabout turn":
		return routing.ManeuverRoundaboutEnter
	case "exit roundabout", "exit rotary":
		return routing.ManeuverRoundaboutExit
	case "fork":
		switch m.Modifier {
		case "left", "slight left", "sharp left":
			return routing.ManeuverKeepLeft
		case "right", "slight right", "sharp right":
			return routing.ManeuverKeepRight
		}
	}

	switch m.Modifier {
	case "left":
		return routing.ManeuverTurnLeft
	case "right":
		return routing.ManeuverTurnRight
	case "sharp left":
		return routing.ManeuverSharpLeft
	case "sharp right":
		return routing.ManeuverSharpRight
	case "slight left":
		return routing.ManeuverSlightLeft
	case "slight right":
		return routing.ManeuverSlightRight
	case "straight":
		return routing.ManeuverStraight
	case "uturn":
		return routing.ManeuverUTurn
	}
	return routing.ManeuverOther
}

func instructionText(s *step, lastLeg bool) string {
	m := s.Maneuver
	onto := ""
	if s.Name != "" {
		onto = " onto " + s.Name
	}

	switch m.Type {
	case "depart":
		if s.Name != "" {
			return "Depart on " + s.Name
		}
		return "Depart"
	case "arrive":
		if lastLeg {
			return "Arrive at your destination"
		}
		return "Arrive at waypoint"
	case "roundabout", "rotary":
		if m.Exit > 0 {
			return "Enter the roundabout and take exit " + strconv.Itoa(m.Exit) + onto
		}
		return "Enter the roundabout" + onto
	case "exit roundabout", "exit rotary":
		return "Exit the roundabout" + onto
	case "continue", "new name":
		return "Continue" + modifierSuffix(m.Modifier) + onto
	case "merge":
		return "Merge" + modifierSuffix(m.Modifier) + onto
	case "on ramp":
		return "Take the ramp" + modifierSuffix(m.Modifier) + onto
	case "off ramp":
		return "Take the exit" + modifierSuffix(m.Modifier) + onto
	case "fork":
		return "Keep" + modifierSuffix(m.Modifier) + " at the fork" + onto
	case "end of road":
		return "At the end of the road turn" + modifierSuffix(m.Modifier) + onto
	}

	if m.Modifier == "uturn" {
		return "Make a U-turn" + onto
	}
	if m.Modifier == "straight" {
		return "Go straight" + onto
	}
	if m.Modifier != "" {
		return "Turn " + m.Modifier + onto
	}
	return capitalize(m.Type) + onto
}

func modifierSuffix(modifier string) string {
	switch modifier {
	case "", "straight":
		return ""
	case "uturn":
		return " with a U-turn"
	}
	return " " + modifier
}

func capitalize(s string) string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
