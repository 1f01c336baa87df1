package emotion

import "math"

const (
	faceWeight    = 0.6
	voiceWeight   = 0.4
	minUsable     = 0.4
	agreementGain = 1.2
)

// Combine fuses the facial and voice signals.
//
// A signal under 0.4 confidence is ignored in favour of the other one (face
// is checked first). Agreeing labels boost the weighted sum by 20%, capped at
// 1. Disagreeing labels go to the larger weighted confidence, face winning
// an exact tie.
func Combine(face, voice Signal) Signal {
	if face.Confidence < minUsable {
		return voice
	}
	if voice.Confidence < minUsable {
		return face
	}

	fw := face.Confidence * faceWeight
	vw := voice.Confidence * voiceWeight

	if face.Label == voice.Label {
		return Signal{Label: face.Label, Confidence: math.Min((fw+vw)*agreementGain, 1.0)}
	}
	if vw > fw {
		return Signal{Label: voice.Label, Confidence: vw}
	}
	return Signal{Label: face.Label, Confidence: fw}
}
