package threshold

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scope(t *testing.T, rule *uint, kind, track, net string) Scope {
	t.Helper()
	nets, err := ParseNet(net)
	require.NoError(t, err)
	return Scope{RulesetID: 1, RuleID: rule, Kind: kind, TrackBy: track, Net: nets}
}

func ruleID(id uint) *uint { return &id }

func TestContains(t *testing.T) {
	r1 := ruleID(1)
	r2 := ruleID(2)

	tests := []struct {
		name      string
		existing  Scope
		candidate Scope
		want      bool
	}{
		{
			name:      "both without network contains by_src on a network",
			existing:  scope(t, r1, KindThreshold, TrackByBoth, ""),
			candidate: scope(t, r1, KindThreshold, TrackBySrc, "10.0.0.0/8"),
			want:      true,
		},
		{
			name:      "disjoint networks",
			existing:  scope(t, r1, KindThreshold, TrackByBoth, "10.0.0.0/8"),
			candidate: scope(t, r1, KindThreshold, TrackByBoth, "192.168.0.0/16"),
			want:      false,
		},
		{
			name:      "narrower candidate is contained",
			existing:  scope(t, r1, KindThreshold, TrackBySrc, "10.0.0.0/8"),
			candidate: scope(t, r1, KindThreshold, TrackBySrc, "10.0.1.0/24"),
			want:      true,
		},
		{
			name:      "broader candidate is not contained",
			existing:  scope(t, r1, KindThreshold, TrackBySrc, "10.0.1.0/24"),
			candidate: scope(t, r1, KindThreshold, TrackBySrc, "10.0.0.0/8"),
			want:      false,
		},
		{
			name:      "identical scope",
			existing:  scope(t, r1, KindSuppress, TrackByDst, "172.16.0.0/12"),
			candidate: scope(t, r1, KindSuppress, TrackByDst, "172.16.0.0/12"),
			want:      true,
		},
		{
			name:      "by_src does not contain by_dst",
			existing:  scope(t, r1, KindSuppress, TrackBySrc, ""),
			candidate: scope(t, r1, KindSuppress, TrackByDst, ""),
			want:      false,
		},
		{
			name:      "by_src does not contain both",
			existing:  scope(t, r1, KindSuppress, TrackBySrc, ""),
			candidate: scope(t, r1, KindSuppress, TrackByBoth, ""),
			want:      false,
		},
		{
			name:      "network does not contain any",
			existing:  scope(t, r1, KindThreshold, TrackBySrc, "0.0.0.0/0"),
			candidate: scope(t, r1, KindThreshold, TrackBySrc, ""),
			want:      false,
		},
		{
			name:      "different rule",
			existing:  scope(t, r1, KindThreshold, TrackByBoth, ""),
			candidate: scope(t, r2, KindThreshold, TrackBySrc, ""),
			want:      false,
		},
		{
			name:      "ruleset wide does not contain rule scoped",
			existing:  scope(t, nil, KindThreshold, TrackByBoth, ""),
			candidate: scope(t, r1, KindThreshold, TrackBySrc, ""),
			want:      false,
		},
		{
			name:      "different kind",
			existing:  scope(t, r1, KindSuppress, TrackByBoth, ""),
			candidate: scope(t, r1, KindThreshold, TrackBySrc, ""),
			want:      false,
		},
		{
			name:      "every candidate prefix must be covered",
			existing:  scope(t, r1, KindSuppress, TrackBySrc, "10.0.0.0/8"),
			candidate: scope(t, r1, KindSuppress, TrackBySrc, "10.1.0.0/16, 192.168.1.1"),
			want:      false,
		},
		{
			name:      "list covered by list",
			existing:  scope(t, r1, KindSuppress, TrackBySrc, "10.0.0.0/8,192.168.0.0/16"),
			candidate: scope(t, r1, KindSuppress, TrackBySrc, "10.1.0.0/16 192.168.1.1"),
			want:      true,
		},
		{
			name:      "ipv6 not covered by ipv4",
			existing:  scope(t, r1, KindSuppress, TrackBySrc, "0.0.0.0/0"),
			candidate: scope(t, r1, KindSuppress, TrackBySrc, "2001:db8::/32"),
			want:      false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Contains(tt.existing, tt.candidate))
		})
	}
}

func TestOverlaps(t *testing.T) {
	r1 := ruleID(1)
	assert.True(t, Overlaps(
		scope(t, r1, KindThreshold, TrackBySrc, "10.0.0.0/8"),
		scope(t, r1, KindThreshold, TrackByBoth, "10.1.0.0/16"),
	))
	assert.False(t, Overlaps(
		scope(t, r1, KindThreshold, TrackBySrc, "10.0.0.0/8"),
		scope(t, r1, KindThreshold, TrackByDst, "10.0.0.0/8"),
	))
	assert.False(t, Overlaps(
		scope(t, r1, KindThreshold, TrackByBoth, "10.0.0.0/8"),
		scope(t, r1, KindThreshold, TrackByBoth, "192.168.0.0/16"),
	))
}

func TestParseNet(t *testing.T) {
	nets, err := ParseNet(" [10.1.2.3/8, 192.168.1.1] ")
	require.NoError(t, err)
	require.Len(t, nets, 2)
	assert.Equal(t, "10.0.0.0/8", nets[0].String())
	assert.Equal(t, "10.0.0.0/8,192.168.1.1", FormatNet(nets))

	_, err = ParseNet("10.0.0.0/33")
	assert.Error(t, err)
	_, err = ParseNet("not-an-ip")
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		d    Directive
		want string
	}{
		{
			name: "rate limit",
			d:    Directive{Kind: KindThreshold, Type: TypeLimit, TrackBy: TrackBySrc, Net: "10.0.0.0/8", SID: 1000001, Count: 1, Seconds: 60},
			want: "threshold gen_id 1, sig_id 1000001, type limit, track by_src, count 1, seconds 60",
		},
		{
			name: "suppress with network",
			d:    Directive{Kind: KindSuppress, TrackBy: TrackByDst, Net: "192.168.0.0/16", GID: 1, SID: 2001},
			want: "suppress gen_id 1, sig_id 2001, track by_dst, ip 192.168.0.0/16",
		},
		{
			name: "suppress list",
			d:    Directive{Kind: KindSuppress, TrackBy: TrackByBoth, Net: "10.0.0.1,10.0.1.0/24", SID: 5},
			want: "suppress gen_id 1, sig_id 5, track by_both, ip [10.0.0.1,10.0.1.0/24]",
		},
		{
			name: "ruleset wide suppress",
			d:    Directive{Kind: KindSuppress, GID: 3},
			want: "suppress gen_id 3, sig_id 0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.d))
		})
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(Directive{Kind: KindThreshold, Type: TypeBoth, TrackBy: TrackBySrc, Count: 5, Seconds: 10}))
	assert.NoError(t, Validate(Directive{Kind: KindSuppress}))
	assert.Error(t, Validate(Directive{Kind: "drop"}))
	assert.Error(t, Validate(Directive{Kind: KindThreshold, Type: "burst", TrackBy: TrackBySrc, Count: 1, Seconds: 1}))
	assert.Error(t, Validate(Directive{Kind: KindThreshold, Type: TypeLimit, TrackBy: TrackBySrc}))
	assert.Error(t, Validate(Directive{Kind: KindSuppress, Net: "10.0.0.0/8"}))
	assert.Error(t, Validate(Directive{Kind: KindSuppress, TrackBy: "by_port"}))
	assert.Error(t, Validate(Directive{Kind: KindSuppress, TrackBy: TrackBySrc, Net: "bogus"}))
}
