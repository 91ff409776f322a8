// Package iscsi wraps the open-iscsi initiator CLI into idempotent session
// operations. Session state is never cached: every call lists sessions anew.
package iscsi

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fenio/zol-iscsi/pkg/cmdrunner"
)

// TargetSession is one row of "iscsiadm -m session", valid only at the
// instant it was listed.
type TargetSession struct {
	Transport string
	Portal    string
	TargetIQN string
	Flags     string
	SessionID int
	TPGT      int
	LoggedIn  bool
}

// ParseError reports iscsiadm output that did not have the expected shape.
type ParseError struct {
	Command string
	Line    string
	Reason  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unexpected output from %s: %s: %q", e.Command, e.Reason, e.Line)
}

// SessionParser turns "iscsiadm -m session" output into sessions.
type SessionParser interface {
	ParseSessions(out string) ([]TargetSession, error)
}

// FieldSessionParser parses the default session listing:
//
//	tcp: [3] 10.0.0.5:3260,1 iqn.2020-01.com.example:v1 (non-flash)
//
// The flags column is absent on older open-iscsi releases.
type FieldSessionParser struct{}

// ParseSessions implements SessionParser.
func (FieldSessionParser) ParseSessions(out string) ([]TargetSession, error) {
	var sessions []TargetSession
	for _, line := range cmdrunner.Lines(out) {
		s, err := parseSessionLine(line)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func parseSessionLine(line string) (TargetSession, error) {
	fail := func(reason string) (TargetSession, error) {
		return TargetSession{}, &ParseError{Command: "iscsiadm -m session", Line: line, Reason: reason}
	}

	fields := strings.Fields(line)
	if len(fields) < 4 {
		return fail("expected at least 4 columns")
	}
	if !strings.HasSuffix(fields[0], ":") {
		return fail("missing transport column")
	}

	sidField := fields[1]
	if !strings.HasPrefix(sidField, "[") || !strings.HasSuffix(sidField, "]") {
		return fail("missing session id")
	}
	sid, err := strconv.Atoi(strings.Trim(sidField, "[]"))
	if err != nil {
		return fail("bad session id")
	}

	portal, tpgt, err := splitPortalGroup(fields[2])
	if err != nil {
		return fail(err.Error())
	}

	s := TargetSession{
		Transport: strings.TrimSuffix(fields[0], ":"),
		SessionID: sid,
		Portal:    portal,
		TPGT:      tpgt,
		TargetIQN: fields[3],
		LoggedIn:  true,
	}
	if len(fields) > 4 {
		s.Flags = strings.Trim(strings.Join(fields[4:], " "), "()")
	}
	return s, nil
}

// splitPortalGroup splits "ip:port,tpgt". IPv6 portals keep their brackets.
func splitPortalGroup(field string) (string, int, error) {
	i := strings.LastIndex(field, ",")
	if i <= 0 {
		return field, 0, nil
	}
	tpgt, err := strconv.Atoi(field[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("bad portal group tag in %s", field)
	}
	return field[:i], tpgt, nil
}

// ParseDiscovery returns the IQNs that sendtargets discovery reported for
// portal. Lines for other portals are ignored:
//
//	10.0.0.5:3260,1 iqn.2020-01.com.example:pool.ds.volume.1234
func ParseDiscovery(out, portal string) []string {
	var iqns []string
	for _, line := range cmdrunner.Lines(out) {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		p, _, err := splitPortalGroup(fields[0])
		if err != nil || p != portal {
			continue
		}
		iqns = append(iqns, fields[1])
	}
	return iqns
}

// HasSuccessLine reports whether login/logout output confirms success.
func HasSuccessLine(out string) bool {
	for _, line := range cmdrunner.Lines(out) {
		if strings.Contains(line, "successful") {
			return true
		}
	}
	return false
}

// TargetToken returns the dotted form of a volume name that target IQNs
// embed: "-" and "/" become ".", so "volume-12-ab" yields "volume.12.ab".
func TargetToken(volumeName string) string {
	return strings.NewReplacer("-", ".", "/", ".").Replace(volumeName)
}

// MatchesVolume reports whether an IQN names the target of volumeName. The
// IQN must end in the volume name or its dotted token, preceded by ":" or
// ".", so "v1" never matches a target for "v10" or "xv1".
func MatchesVolume(iqn, volumeName string) bool {
	if volumeName == "" {
		return false
	}
	for _, token := range []string{volumeName, TargetToken(volumeName)} {
		if iqn == token || strings.HasSuffix(iqn, ":"+token) || strings.HasSuffix(iqn, "."+token) {
			return true
		}
	}
	return false
}
