package approval

import (
	"testing"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine("")
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestAnalyzeSegmentation(t *testing.T) {
	tests := []struct {
		name        string
		command     string
		wantBins    []string
		wantConnect []string
	}{
		{"single", "ls -la /tmp", []string{"ls"}, nil},
		{"pipe", "cat file | grep foo", []string{"cat", "grep"}, []string{"|"}},
		{"and", "make build && make test", []string{"make", "make"}, []string{"&&"}},
		{"or", "test -f x || touch x", []string{"test", "touch"}, []string{"||"}},
		{"semicolon", "cd /tmp; ls", []string{"cd", "ls"}, []string{";"}},
		{"quoted pipe", `echo "a | b"`, []string{"echo"}, nil},
		{"single quoted and", "echo 'x && y'", []string{"echo"}, nil},
		{"escaped pipe", `echo a\|b`, []string{"echo"}, nil},
		{"mixed", "ls | wc -l && echo done", []string{"ls", "wc", "echo"}, []string{"|", "&&"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Analyze(tt.command, "")
			if len(a.Segments) != len(tt.wantBins) {
				t.Fatalf("got %d segments, want %d: %+v", len(a.Segments), len(tt.wantBins), a.Segments)
			}
			for i, want := range tt.wantBins {
				if a.Segments[i].Binary != want {
					t.Errorf("segment %d binary = %q, want %q", i, a.Segments[i].Binary, want)
				}
			}
			if len(a.Connectives) != len(tt.wantConnect) {
				t.Fatalf("got connectives %v, want %v", a.Connectives, tt.wantConnect)
			}
			for i, want := range tt.wantConnect {
				if a.Connectives[i] != want {
					t.Errorf("connective %d = %q, want %q", i, a.Connectives[i], want)
				}
			}
		})
	}
}

func TestAnalyzeQuotedArgs(t *testing.T) {
	a := Analyze(`grep "hello world" file.txt`, "")
	if len(a.Segments) != 1 {
		t.Fatalf("got %d segments, want 1", len(a.Segments))
	}
	seg := a.Segments[0]
	if len(seg.Args) != 2 || seg.Args[0] != "hello world" || seg.Args[1] != "file.txt" {
		t.Errorf("args = %v, want [hello world, file.txt]", seg.Args)
	}
}

func TestAnalyzeCwdHint(t *testing.T) {
	a := Analyze("cd /srv/app && make build", "/home/u")
	if len(a.Segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(a.Segments))
	}
	if a.Segments[0].CwdHint != "/home/u" {
		t.Errorf("first segment cwd = %q, want /home/u", a.Segments[0].CwdHint)
	}
	if a.Segments[1].CwdHint != "/srv/app" {
		t.Errorf("second segment cwd = %q, want /srv/app", a.Segments[1].CwdHint)
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		input   string
		want    bool
	}{
		{"ls *", "ls -la /tmp", true},
		{"ls *", "ls", false}, // anchored: "ls " prefix required
		{"ls*", "ls", true},
		{"*", "anything at all", true},
		{"git status", "git status", true},
		{"git status", "git status --short", false},
		{"git ?", "git s", true},
		{"git ?", "git st", false},
		{"npm * install", "npm ci install", true},
		{"/bin/ls *", "/bin/ls -la", true},
		{"a*b*c", "axxbyyc", true},
		{"a*b*c", "axxbyy", false},
		{"", "", true},
	}
	for _, tt := range tests {
		if got := MatchPattern(tt.pattern, tt.input); got != tt.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.pattern, tt.input, got, tt.want)
		}
	}
}

func TestCheckSafeBins(t *testing.T) {
	e := newTestEngine(t)
	res := e.Check("ls -la", "")
	if res.Decision != Allow {
		t.Errorf("safe bin decision = %s, want allow (%s)", res.Decision, res.Reason)
	}
}

func TestCheckAllowlistOnMiss(t *testing.T) {
	// S2: allowlist ["/bin/ls *"], policy allowlist+on-miss.
	e := newTestEngine(t)
	if _, err := e.AddAllowlist("/bin/ls *", ""); err != nil {
		t.Fatal(err)
	}

	res := e.Check("/bin/ls -la /tmp", "")
	if res.Decision != Allow {
		t.Errorf("allowlisted command = %s, want allow (%s)", res.Decision, res.Reason)
	}
	if len(res.MatchedEntries) != 1 {
		t.Errorf("matched entries = %v, want 1", res.MatchedEntries)
	}

	res = e.Check("rm -rf /tmp/x", "")
	if res.Decision != Ask {
		t.Errorf("unlisted command = %s, want ask (%s)", res.Decision, res.Reason)
	}
}

func TestCheckMostRestrictiveWins(t *testing.T) {
	e := newTestEngine(t)
	e.SetPolicy(PolicyUpdate{Security: strPtr(SecurityDeny)})

	// ls is safe (allow) but rm hits security=deny; deny wins.
	res := e.Check("ls | rm -rf /", "")
	if res.Decision != Deny {
		t.Errorf("mixed decision = %s, want deny", res.Decision)
	}

	// All safe segments stay allowed.
	res = e.Check("ls | wc -l", "")
	if res.Decision != Allow {
		t.Errorf("safe pipeline = %s, want allow (%s)", res.Decision, res.Reason)
	}
}

func TestCheckAskOverridesAllowWhenAlways(t *testing.T) {
	e := newTestEngine(t)
	e.SetPolicy(PolicyUpdate{Ask: strPtr(AskAlways)})
	e.AddAllowlist("git status*", "")

	res := e.Check("git status", "")
	if res.Decision != Ask {
		t.Errorf("ask=always allowlisted command = %s, want ask", res.Decision)
	}
}

func TestCheckPolicyTable(t *testing.T) {
	tests := []struct {
		security string
		ask      string
		want     Decision
	}{
		{SecurityFull, AskOff, Allow},
		{SecurityDeny, AskOff, Deny},
		{SecurityDeny, AskOnMiss, Deny},
		{SecurityAllowlist, AskOnMiss, Ask},
		{SecurityAllowlist, AskAlways, Ask},
		{SecurityAllowlist, AskOff, Deny},
	}
	for _, tt := range tests {
		e := newTestEngine(t)
		if _, err := e.SetPolicy(PolicyUpdate{Security: &tt.security, Ask: &tt.ask}); err != nil {
			t.Fatal(err)
		}
		res := e.Check("unknowncmd --flag", "")
		if res.Decision != tt.want {
			t.Errorf("policy{%s,%s}: decision = %s, want %s", tt.security, tt.ask, res.Decision, tt.want)
		}
	}
}

func TestCheckSkillAutoAllow(t *testing.T) {
	e := newTestEngine(t)
	e.SetSkillBins("summarize-notes")
	e.SetPolicy(PolicyUpdate{Security: strPtr(SecurityDeny)})

	res := e.Check("summarize-notes --today", "")
	if res.Decision != Allow {
		t.Errorf("skill tool = %s, want allow", res.Decision)
	}

	e.SetPolicy(PolicyUpdate{AutoAllowSkills: boolPtr(false)})
	res = e.Check("summarize-notes --today", "")
	if res.Decision != Deny {
		t.Errorf("skill tool with autoAllowSkills=false = %s, want deny", res.Decision)
	}
}

func TestAllowlistEdits(t *testing.T) {
	e := newTestEngine(t)

	if _, err := e.AddAllowlist("", "empty"); err != ErrInvalidPattern {
		t.Errorf("empty pattern error = %v, want ErrInvalidPattern", err)
	}

	entry, err := e.AddAllowlist("npm *", "node stuff")
	if err != nil {
		t.Fatal(err)
	}
	if entry.ID == "" {
		t.Error("entry should get a fresh id")
	}

	newPat := "npm run *"
	updated, err := e.UpdateAllowlist(entry.ID, EntryUpdate{Pattern: &newPat})
	if err != nil || updated == nil || updated.Pattern != newPat {
		t.Fatalf("update: got %+v, %v", updated, err)
	}

	missing, err := e.UpdateAllowlist("no-such-id", EntryUpdate{Pattern: &newPat})
	if err != nil || missing != nil {
		t.Errorf("update missing id: got %+v, %v, want nil, nil", missing, err)
	}

	if !e.RemoveAllowlist(entry.ID) {
		t.Error("remove by id should return true")
	}
	if e.RemoveAllowlist(entry.ID) {
		t.Error("remove missing id should return false")
	}
}

func TestSafeBinEdits(t *testing.T) {
	e := newTestEngine(t)
	if err := e.AddSafeBin("jq"); err != nil {
		t.Fatal(err)
	}
	if res := e.Check("jq .name file.json", ""); res.Decision != Allow {
		t.Errorf("added safe bin = %s, want allow", res.Decision)
	}
	if !e.RemoveSafeBin("jq") {
		t.Error("remove existing safe bin should return true")
	}
	if e.RemoveSafeBin("jq") {
		t.Error("remove missing safe bin should return false")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	e.AddAllowlist("git *", "git commands")
	e.AddSafeBin("jq")
	e.SetPolicy(PolicyUpdate{Security: strPtr(SecurityFull)})

	exported, err := e.ExportConfig()
	if err != nil {
		t.Fatal(err)
	}

	fresh := newTestEngine(t)
	if err := fresh.ImportConfig(exported); err != nil {
		t.Fatal(err)
	}

	reExported, err := fresh.ExportConfig()
	if err != nil {
		t.Fatal(err)
	}
	if string(exported) != string(reExported) {
		t.Errorf("round-trip mismatch:\n%s\nvs\n%s", exported, reExported)
	}
}

func TestImportInvalidConfig(t *testing.T) {
	e := newTestEngine(t)
	if err := e.ImportConfig([]byte("{not json")); err == nil {
		t.Error("invalid JSON should fail")
	}
}

func TestEnginePersistence(t *testing.T) {
	dir := t.TempDir()
	e, err := NewEngine(dir)
	if err != nil {
		t.Fatal(err)
	}
	e.AddAllowlist("docker *", "")
	e.SetPolicy(PolicyUpdate{Ask: strPtr(AskAlways)})

	reloaded, err := NewEngine(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(reloaded.Allowlist()) != 1 {
		t.Errorf("reloaded allowlist size = %d, want 1", len(reloaded.Allowlist()))
	}
	if reloaded.Policy().Ask != AskAlways {
		t.Errorf("reloaded ask = %q, want always", reloaded.Policy().Ask)
	}
}

func TestReset(t *testing.T) {
	e := newTestEngine(t)
	e.AddAllowlist("x*", "")
	e.SetPolicy(PolicyUpdate{Security: strPtr(SecurityFull)})
	if err := e.Reset(); err != nil {
		t.Fatal(err)
	}
	if len(e.Allowlist()) != 0 {
		t.Error("reset should clear allowlist")
	}
	if e.Policy().Security != SecurityAllowlist {
		t.Errorf("reset security = %q, want allowlist", e.Policy().Security)
	}
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }
