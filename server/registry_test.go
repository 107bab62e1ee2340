package server

import "testing"

func TestApplyPreflightClearBoth(t *testing.T) {
	s := &session{renameFrom: "/a.txt", restOffset: 100}
	s.applyPreflight(preflightClearBoth)
	if s.renameFrom != "" || s.restOffset != 0 {
		t.Fatalf("renameFrom=%q restOffset=%d, want both cleared", s.renameFrom, s.restOffset)
	}
}

func TestApplyPreflightClearRenamePreservesRestart(t *testing.T) {
	s := &session{renameFrom: "/a.txt", restOffset: 100}
	s.applyPreflight(preflightClearRename)
	if s.renameFrom != "" {
		t.Fatalf("renameFrom = %q, want cleared", s.renameFrom)
	}
	if s.restOffset != 100 {
		t.Fatalf("restOffset = %d, want preserved", s.restOffset)
	}
}

func TestApplyPreflightClearRestartPreservesRename(t *testing.T) {
	s := &session{renameFrom: "/a.txt", restOffset: 100}
	s.applyPreflight(preflightClearRestart)
	if s.restOffset != 0 {
		t.Fatalf("restOffset = %d, want cleared", s.restOffset)
	}
	if s.renameFrom != "/a.txt" {
		t.Fatalf("renameFrom = %q, want preserved", s.renameFrom)
	}
}

func TestApplyPreflightNoneTouchesNeither(t *testing.T) {
	s := &session{renameFrom: "/a.txt", restOffset: 100}
	s.applyPreflight(preflightNone)
	if s.renameFrom != "/a.txt" || s.restOffset != 100 {
		t.Fatalf("preflightNone modified state: renameFrom=%q restOffset=%d", s.renameFrom, s.restOffset)
	}
}

func TestRegistryCoversEveryDispatchedVerb(t *testing.T) {
	verbs := []string{
		"CWD", "XCWD", "CDUP", "XCUP", "SMNT", "REIN", "PORT", "PASV",
		"TYPE", "STRU", "MODE", "APPE", "LIST", "NLST", "DELE", "RMD",
		"XRMD", "MKD", "XMKD", "PWD", "XPWD", "ABOR", "SYST", "REST",
		"STOR", "RETR", "RNTO", "RNFR", "SIZE", "MDTM", "FEAT", "STAT",
	}
	for _, v := range verbs {
		if _, ok := registry[v]; !ok {
			t.Errorf("registry missing entry for %s", v)
		}
	}
}

func TestRegistryDoesNotCoverSpecialCasedVerbs(t *testing.T) {
	// USER, PASS, QUIT and NOOP are special-cased in handleCommand before
	// the registry lookup; they must not also appear in the table.
	for _, v := range []string{"USER", "PASS", "QUIT", "NOOP"} {
		if _, ok := registry[v]; ok {
			t.Errorf("registry unexpectedly contains special-cased verb %s", v)
		}
	}
}
