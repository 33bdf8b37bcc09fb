package scan

import (
	"strings"

	"github.com/chris-regnier/warden/internal/signal"
)

// DefaultCapabilityWeights scores declared capabilities for the pre-screen.
// Unlisted capabilities weigh nothing.
func DefaultCapabilityWeights() map[string]float64 {
	return map[string]float64{
		"BIND_ACCESSIBILITY_SERVICE":         30,
		"BIND_DEVICE_ADMIN":                  30,
		"SYSTEM_ALERT_WINDOW":                25,
		"REQUEST_INSTALL_PACKAGES":           25,
		"RECEIVE_SMS":                        20,
		"READ_SMS":                           20,
		"SEND_SMS":                           20,
		"BIND_NOTIFICATION_LISTENER_SERVICE": 15,
		"READ_CONTACTS":                      10,
		"READ_CALL_LOG":                      10,
		"RECORD_AUDIO":                       10,
		"PROCESS_OUTGOING_CALLS":             10,
		"RECEIVE_BOOT_COMPLETED":             5,
		"ACCESS_FINE_LOCATION":               5,
		"CAMERA":                             5,
	}
}

// Prescreener computes a cheap risk estimate from declared capabilities.
type Prescreener struct {
	weights map[string]float64
}

// NewPrescreener builds a pre-screen over weights. A nil map uses the defaults.
func NewPrescreener(weights map[string]float64) *Prescreener {
	if weights == nil {
		weights = DefaultCapabilityWeights()
	}
	norm := make(map[string]float64, len(weights))
	for k, w := range weights {
		norm[strings.ToUpper(k)] = w
	}
	return &Prescreener{weights: norm}
}

// Score sums the weights of the distinct capabilities c declares, capped at 100.
func (p *Prescreener) Score(c signal.Candidate) float64 {
	seen := make(map[string]bool, len(c.Capabilities))
	var total float64
	for _, cp := range c.Capabilities {
		key := strings.ToUpper(strings.TrimSpace(cp))
		if seen[key] {
			continue
		}
		seen[key] = true
		total += p.weights[key]
	}
	return signal.Clamp(total, 0, 100)
}
