package directions

import "testing"

func TestLabelCardinals(t *testing.T) {
	tests := []struct {
		agent, link float64
		want        string
	}{
		{0, 0, "front"},
		{0, 90, "right"},
		{0, 180, "back"},
		{0, 270, "left"},
		{45, 45, "front"},
		{270, 0, "right"},
		{90, 270, "back"},
		{180, 90, "left"},
	}

	for _, tt := range tests {
		if got := Label(tt.agent, tt.link); got != tt.want {
			t.Errorf("Label(%v, %v) = %q, want %q", tt.agent, tt.link, got, tt.want)
		}
	}
}

func TestLabelOpenCases(t *testing.T) {
	tests := []struct {
		agent, link float64
		want        string
	}{
		{0, 45, "front-right 45°"},
		{0, 1, "front-right 1°"},
		{0, 89, "front-right 89°"},
		{0, 91, "right-back 1°"},
		{0, 179, "right-back 89°"},
		{0, 181, "left-back 89°"},
		{0, 269, "left-back 1°"},
		{0, 271, "front-left 89°"},
		{0, 359, "front-left 1°"},
		{350, 10, "front-right 20°"},
		{10, 350, "front-left 20°"},
	}

	for _, tt := range tests {
		if got := Label(tt.agent, tt.link); got != tt.want {
			t.Errorf("Label(%v, %v) = %q, want %q", tt.agent, tt.link, got, tt.want)
		}
	}
}

func TestLabelRounding(t *testing.T) {
	tests := []struct {
		agent, link float64
		want        string
	}{
		{0, 44.5, "front-right 45°"},  // half away from zero
		{0, 44.4, "front-right 44°"},
		{0, 120.5, "right-back 31°"},  // 120.5 - 90 = 30.5 rounds up
		{0, 269.6, "left-back 0°"},    // 270 - 269.6 = 0.4
	}

	for _, tt := range tests {
		if got := Label(tt.agent, tt.link); got != tt.want {
			t.Errorf("Label(%v, %v) = %q, want %q", tt.agent, tt.link, got, tt.want)
		}
	}
}
