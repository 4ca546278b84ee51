// Package directions turns absolute link headings into the relative
// direction labels shown to the agent ("front", "right-back 23°", ...).
package directions

import (
	"fmt"
	"math"

	"github.com/MeKo-Tech/panowalk/internal/pano"
)

// Label maps a link heading to a relative direction label given the agent's
// current heading. The four cardinal deltas (0, 90, 180, 270) yield bare
// labels; everything else carries an integer degree offset from the nearer
// cardinal, rounded half away from zero.
func Label(agentHeading, linkHeading float64) string {
	delta := pano.NormalizeHeading(linkHeading - agentHeading)
	switch {
	case delta == 0:
		return "front"
	case delta < 90:
		return fmt.Sprintf("front-right %d°", roundDeg(delta))
	case delta == 90:
		return "right"
	case delta < 180:
		return fmt.Sprintf("right-back %d°", roundDeg(delta-90))
	case delta == 180:
		return "back"
	case delta < 270:
		return fmt.Sprintf("left-back %d°", roundDeg(270-delta))
	case delta == 270:
		return "left"
	default:
		return fmt.Sprintf("front-left %d°", roundDeg(360-delta))
	}
}

// roundDeg rounds half away from zero to an integer degree.
func roundDeg(deg float64) int {
	return int(math.Round(deg))
}
