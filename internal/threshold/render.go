package threshold

import (
	"errors"
	"fmt"
	"strings"
)

// Rate limit modes for KindThreshold.
const (
	TypeLimit     = "limit"
	TypeThreshold = "threshold"
	TypeBoth      = "both"
)

// Directive is everything needed to render one threshold.config line.
// SID 0 applies the directive to every rule of the generator.
type Directive struct {
	Kind    string
	Type    string
	TrackBy string
	Net     string
	GID     int64
	SID     int64
	Count   int
	Seconds int
}

// Validate checks the fields the directive kind requires.
func Validate(d Directive) error {
	switch d.Kind {
	case KindThreshold:
		switch d.Type {
		case TypeLimit, TypeThreshold, TypeBoth:
		default:
			return fmt.Errorf("invalid threshold type %q", d.Type)
		}
		if d.Count <= 0 || d.Seconds <= 0 {
			return errors.New("count and seconds must be positive")
		}
		if d.TrackBy == "" {
			return errors.New("track_by is required for thresholds")
		}
	case KindSuppress:
		if d.Net != "" && d.TrackBy == "" {
			return errors.New("track_by is required when a network is set")
		}
	default:
		return fmt.Errorf("invalid threshold_type %q", d.Kind)
	}
	switch d.TrackBy {
	case "", TrackBySrc, TrackByDst, TrackByBoth:
	default:
		return fmt.Errorf("invalid track_by %q", d.TrackBy)
	}
	if _, err := ParseNet(d.Net); err != nil {
		return err
	}
	return nil
}

// Render formats the directive. The network is only emitted for suppressions;
// on rate limits it is scope metadata.
func Render(d Directive) string {
	gid := d.GID
	if gid == 0 {
		gid = 1
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s gen_id %d, sig_id %d", d.Kind, gid, d.SID)

	if d.Kind == KindThreshold {
		fmt.Fprintf(&b, ", type %s, track %s, count %d, seconds %d", d.Type, track(d.TrackBy), d.Count, d.Seconds)
		return b.String()
	}

	if d.TrackBy == "" {
		return b.String()
	}
	fmt.Fprintf(&b, ", track %s", track(d.TrackBy))
	nets, err := ParseNet(d.Net)
	if err != nil || len(nets) == 0 {
		return b.String()
	}
	ip := FormatNet(nets)
	if len(nets) > 1 {
		ip = "[" + ip + "]"
	}
	fmt.Fprintf(&b, ", ip %s", ip)
	return b.String()
}

func track(t string) string {
	if t == TrackByBoth {
		return "by_both"
	}
	return t
}
