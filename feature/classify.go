package feature

// Class is the signal to noise classification of a Measurement
type Class int

const (
	// NoSignal means nothing was found and the image is dark
	NoSignal Class = iota

	// NoEllipse means nothing was found but the image is bright
	NoEllipse

	// NoBeam means a feature was found but it is below the noise level
	NoBeam

	// NoBorder means the feature does not stand out from its surroundings
	NoBorder

	// Beam is a valid signal
	Beam
)

var classNames = map[Class]string{
	NoSignal:  "nosignal",
	NoEllipse: "noellipse",
	NoBeam:    "nobeam",
	NoBorder:  "noborder",
	Beam:      "beam",
}

func (c Class) String() string {
	return classNames[c]
}

// Event is the notification name for c, e.g. "detect-beam"
func (c Class) Event() string {
	return "detect-" + classNames[c]
}

// Valid is true only for Beam
func (c Class) Valid() bool {
	return c == Beam
}

// Ambiguous is true when a feature was found but its border is not distinct
func (c Class) Ambiguous() bool {
	return c == NoBorder
}

// Thresholds are the constants used by Classify
type Thresholds struct {
	// Noise is the count density below which there is no signal
	Noise float64 `yaml:"Noise" json:"noise"`

	// Borderline is the largest acceptable ratio Q/P
	Borderline float64 `yaml:"Borderline" json:"borderline"`
}

// Classify sorts a measurement into a Class.
//
// Without geometry the result is NoSignal if Q is below the noise level and
// NoEllipse otherwise.  With geometry, P below the noise level is NoBeam and
// Q above Borderline*P is NoBorder.  Everything else is Beam.
func Classify(m Measurement, t Thresholds) Class {
	if m.Geometry == nil {
		if m.Q < t.Noise {
			return NoSignal
		}
		return NoEllipse
	}
	if m.P < t.Noise {
		return NoBeam
	}
	if m.Q > t.Borderline*m.P {
		return NoBorder
	}
	return Beam
}
