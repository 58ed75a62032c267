package stt

import "time"

// Rule identifies why an utterance ended.
type Rule int

const (
	RuleNone Rule = iota
	// RuleSilence abandons an utterance that never contained speech.
	RuleSilence
	// RuleEndOfSpeech ends an utterance after trailing silence.
	RuleEndOfSpeech
	// RuleMaxUtterance caps utterance length.
	RuleMaxUtterance
	// RuleEngine means the engine reported the endpoint itself.
	RuleEngine
	// RuleEndOfInput fires when the audio source is exhausted.
	RuleEndOfInput
)

func (r Rule) String() string {
	switch r {
	case RuleNone:
		return "none"
	case RuleSilence:
		return "rule1"
	case RuleEndOfSpeech:
		return "rule2"
	case RuleMaxUtterance:
		return "rule3"
	case RuleEngine:
		return "engine"
	case RuleEndOfInput:
		return "end_of_input"
	default:
		return "unknown"
	}
}

type EndpointRules struct {
	Rule1MinTrailingSilence time.Duration
	Rule2MinTrailingSilence time.Duration
	Rule3MinUtterance       time.Duration
}

func DefaultEndpointRules() EndpointRules {
	return EndpointRules{
		Rule1MinTrailingSilence: 2400 * time.Millisecond,
		Rule2MinTrailingSilence: 1200 * time.Millisecond,
		Rule3MinUtterance:       20 * time.Second,
	}
}

// EndpointDetector tracks utterance and trailing-silence length in samples,
// so thresholds compare exactly against audio time.
type EndpointDetector struct {
	sampleRate int
	rule1      int64
	rule2      int64
	rule3      int64

	utterance int64
	trailing  int64
	speech    bool
}

func NewEndpointDetector(rules EndpointRules, sampleRate int) *EndpointDetector {
	return &EndpointDetector{
		sampleRate: sampleRate,
		rule1:      durationToSamples(rules.Rule1MinTrailingSilence, sampleRate),
		rule2:      durationToSamples(rules.Rule2MinTrailingSilence, sampleRate),
		rule3:      durationToSamples(rules.Rule3MinUtterance, sampleRate),
	}
}

// Observe accounts one decode pass covering samples of audio and reports the
// rule that fired, if any.
func (d *EndpointDetector) Observe(samples int, nonSilence bool) Rule {
	d.utterance += int64(samples)
	if nonSilence {
		d.speech = true
		d.trailing = 0
	} else {
		d.trailing += int64(samples)
	}
	switch {
	case d.utterance >= d.rule3:
		return RuleMaxUtterance
	case d.speech && d.trailing >= d.rule2:
		return RuleEndOfSpeech
	case !d.speech && d.trailing >= d.rule1:
		return RuleSilence
	default:
		return RuleNone
	}
}

func (d *EndpointDetector) Reset() {
	d.utterance = 0
	d.trailing = 0
	d.speech = false
}

func (d *EndpointDetector) Utterance() time.Duration {
	return samplesToDuration(d.utterance, d.sampleRate)
}

func (d *EndpointDetector) TrailingSilence() time.Duration {
	return samplesToDuration(d.trailing, d.sampleRate)
}

func (d *EndpointDetector) SpeechSeen() bool { return d.speech }

func durationToSamples(d time.Duration, rate int) int64 {
	return int64(d) * int64(rate) / int64(time.Second)
}

func samplesToDuration(n int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n * int64(time.Second) / int64(rate))
}
