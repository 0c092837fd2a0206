package ruleparser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rerrors "github.com/Wikid82/sigforge/internal/errors"
)

const sampleFeed = `# Emerging Threats sample
alert tcp $HOME_NET any -> $EXTERNAL_NET 80 (msg:"ET POLICY curl User-Agent"; flow:established,to_server; content:"curl/"; http_user_agent; reference:url,doc.emergingthreats.net/2000001; classtype:policy-violation; sid:1000001; rev:3;)
# alert tcp any any -> any any (msg:"ET disabled rule"; flowbits:set,ET.http.binary; flowbits:noalert; sid:1000002; rev:1;)

#drop udp any any -> any 53 (msg:"DNS \"quoted\" and \; escaped"; sid:1000003; gid:3; \
    flowbits:isset,ET.http.binary; reference:cve,2014-0160; rev:2;)
alert tcp any any -> any any (msg:"no sid here"; rev:1;)
alert tcp any any -> any any msg:"no parens";
alert tcp any any -> any any (msg:"dup"; sid:1000001;)
alert tcp any any -> any any (msg:"broken; sid:1000009;)
`

func TestParse_Feed(t *testing.T) {
	res, err := Parse(strings.NewReader(sampleFeed), Options{Source: "et", Category: "emerging-policy"})
	require.NoError(t, err)

	require.Len(t, res.Rules, 3)
	assert.Equal(t, 4, res.Skipped())

	first := res.Rules[0]
	assert.Equal(t, int64(1000001), first.SID)
	assert.Equal(t, int64(1), first.GID)
	assert.Equal(t, int64(3), first.Rev)
	assert.Equal(t, "ET POLICY curl User-Agent", first.Msg)
	assert.Equal(t, "policy-violation", first.Classtype)
	assert.Equal(t, "alert", first.Action)
	assert.Equal(t, "tcp", first.Proto)
	assert.True(t, first.Enabled)
	assert.Equal(t, 2, first.Line)

	second := res.Rules[1]
	assert.Equal(t, int64(1000002), second.SID)
	assert.False(t, second.Enabled)
	assert.True(t, strings.HasPrefix(second.Raw, "alert tcp"), "comment marker must be stripped")
	assert.Equal(t, []string{"ET.http.binary"}, second.Flowbits)

	third := res.Rules[2]
	assert.Equal(t, int64(1000003), third.SID)
	assert.Equal(t, int64(3), third.GID)
	assert.False(t, third.Enabled)
	assert.Equal(t, "drop", third.Action)
	assert.Equal(t, `DNS "quoted" and ; escaped`, third.Msg)
	assert.Equal(t, 5, third.Line)

	var parseErrs, conflicts int
	for _, e := range res.Errors {
		switch v := e.(type) {
		case *rerrors.ParseError:
			parseErrs++
			assert.Equal(t, "et", v.Source)
			assert.Equal(t, "emerging-policy", v.Category)
		case *rerrors.ConflictError:
			conflicts++
			assert.Equal(t, rerrors.ConflictDuplicateSID, v.Kind)
			assert.Equal(t, int64(1000001), v.SID)
		}
	}
	assert.Equal(t, 3, parseErrs)
	assert.Equal(t, 1, conflicts)
}

func TestParse_ProseCommentsAreNotErrors(t *testing.T) {
	feed := `# alert rules for IoT cameras
# pass traffic from the scanner subnet is handled upstream
alert ip any any -> any any (msg:"camera beacon"; sid:20;)
`
	res, err := Parse(strings.NewReader(feed), Options{Category: "iot"})
	require.NoError(t, err)
	require.Len(t, res.Rules, 1)
	assert.Empty(t, res.Errors)
	assert.Zero(t, res.Skipped())
}

func TestParser_DuplicateAcrossFiles(t *testing.T) {
	p := New()
	_, err := p.Parse(strings.NewReader(`alert ip any any -> any any (msg:"a"; sid:10;)`), Options{Category: "a"})
	require.NoError(t, err)

	res, err := p.Parse(strings.NewReader(`alert ip any any -> any any (msg:"b"; sid:10;)`), Options{Category: "b"})
	require.NoError(t, err)
	assert.Empty(t, res.Rules)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error(), "a:1")
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantNil bool
		reason  string
	}{
		{name: "blank", line: "   ", wantNil: true},
		{name: "plain comment", line: "# this is a comment about sid:1", wantNil: true},
		{name: "prose starting with an action", line: "# alert rules for IoT cameras", wantNil: true},
		{name: "prose starting with drop", line: "#drop these when the sensor is inline", wantNil: true},
		{name: "commented malformed rule", line: "# alert tcp any any -> any any (sid:abc;)", wantNil: true, reason: `invalid sid "abc"`},
		{name: "unknown action", line: "notify tcp any any -> any any (sid:1;)", wantNil: true, reason: `unknown action "notify"`},
		{name: "bad sid", line: "alert tcp any any -> any any (sid:abc;)", wantNil: true, reason: `invalid sid "abc"`},
		{name: "zero sid", line: "alert tcp any any -> any any (sid:0;)", wantNil: true, reason: `invalid sid "0"`},
		{name: "short header", line: "alert (sid:1;)", wantNil: true, reason: "incomplete rule header"},
		{name: "valid", line: "pass ip any any -> any any (sid:5;)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, reason := ParseLine(tt.line)
			assert.Equal(t, tt.reason, reason)
			if tt.wantNil {
				assert.Nil(t, rule)
			} else {
				require.NotNil(t, rule)
				assert.Equal(t, int64(5), rule.SID)
			}
		})
	}
}

func TestSetAction(t *testing.T) {
	content := `alert tcp any any -> any any (msg:"x"; sid:1;)`
	assert.Equal(t, `drop tcp any any -> any any (msg:"x"; sid:1;)`, SetAction(content, "drop"))
	assert.Equal(t, `pass tcp any any -> any any (msg:"x"; sid:1;)`, SetAction(content, "allow"))
	assert.Equal(t, content, SetAction(content, ""))
	assert.Equal(t, "alert", ActionOf(content))
}

func TestReferences(t *testing.T) {
	refs := References(`alert tcp any any -> any any (msg:"x"; reference:url,www.example.com/a; reference:cve,2014-0160; reference:bugtraq,1234; reference:md5,abc; sid:1;)`)
	require.Len(t, refs, 4)
	assert.Equal(t, "http://www.example.com/a", refs[0].URL)
	assert.Equal(t, "CVE", refs[1].Key)
	assert.Equal(t, "https://nvd.nist.gov/vuln/detail/CVE-2014-0160", refs[1].URL)
	assert.Equal(t, "http://www.securityfocus.com/bid/1234", refs[2].URL)
	assert.Empty(t, refs[3].URL)
}
