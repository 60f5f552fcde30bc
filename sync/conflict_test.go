package sync

import "testing"

func TestClassify(t *testing.T) {
	t.Parallel()

	const lastSync = int64(1000)

	synced := func(modifiedAt int64, dirty bool) *LocalRecord {
		return &LocalRecord{
			Key:          testKey("e1"),
			ModifiedAt:   modifiedAt,
			Revision:     "rev-1",
			LastSyncedAt: Int64Ptr(lastSync),
			Dirty:        dirty,
		}
	}

	tests := []struct {
		name   string
		local  *LocalRecord
		remote *RemoteKnown
		want   ConflictType
	}{
		{
			"never synced, unknown remotely",
			&LocalRecord{Key: testKey("e1"), ModifiedAt: 500, Dirty: true},
			nil,
			ConflictNone,
		},
		{
			"previously synced but orphaned remotely",
			synced(2000, true),
			nil,
			ConflictLocalOnly,
		},
		{
			"remote tombstone",
			synced(2000, true),
			&RemoteKnown{Revision: "rev-1", Deleted: true},
			ConflictDeletedRemotely,
		},
		{
			"tombstone wins even when local is clean",
			synced(900, false),
			&RemoteKnown{Revision: "rev-1", Deleted: true},
			ConflictDeletedRemotely,
		},
		{
			"both modified since last sync",
			synced(2000, true),
			&RemoteKnown{Revision: "rev-2", ModifiedAt: 1500},
			ConflictBothModified,
		},
		{
			"only server changed",
			synced(900, false),
			&RemoteKnown{Revision: "rev-2", ModifiedAt: 1500},
			ConflictServerNewer,
		},
		{
			"only local changed",
			synced(2000, true),
			&RemoteKnown{Revision: "rev-1", ModifiedAt: 800},
			ConflictLocalNewer,
		},
		{
			"neither changed",
			synced(900, false),
			&RemoteKnown{Revision: "rev-1", ModifiedAt: 800},
			ConflictNone,
		},
		{
			"dirty flag alone marks local change",
			synced(900, true),
			&RemoteKnown{Revision: "rev-1", ModifiedAt: 800},
			ConflictLocalNewer,
		},
		{
			"server timestamp newer with same revision",
			synced(900, false),
			&RemoteKnown{Revision: "rev-1", ModifiedAt: 1500},
			ConflictServerNewer,
		},
	}

	d := NewDetector(testLogger(t))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := d.Classify(tt.local, tt.remote); got != tt.want {
				t.Errorf("Classify = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	t.Parallel()

	d := NewDetector(testLogger(t))
	local := &LocalRecord{
		Key:          testKey("e1"),
		ModifiedAt:   2000,
		Revision:     "rev-1",
		LastSyncedAt: Int64Ptr(1000),
		Dirty:        true,
	}
	remote := &RemoteKnown{Revision: "rev-2", ModifiedAt: 1500}

	first := d.Classify(local, remote)
	for range 5 {
		if got := d.Classify(local, remote); got != first {
			t.Fatalf("classification not stable: %s then %s", first, got)
		}
	}
}

func TestDetectSuggestions(t *testing.T) {
	t.Parallel()

	d := NewDetector(testLogger(t))

	bothModified := d.Detect(
		&LocalRecord{Key: testKey("e1"), ModifiedAt: 2000, Revision: "rev-1", LastSyncedAt: Int64Ptr(1000), Dirty: true},
		&RemoteKnown{Revision: "rev-2", ModifiedAt: 1500},
	)

	if bothModified.Type != ConflictBothModified {
		t.Fatalf("type = %s, want both_modified", bothModified.Type)
	}

	if bothModified.Suggested != StrategySkip {
		t.Errorf("both_modified suggestion = %s, want skip (never auto-resolve)", bothModified.Suggested)
	}

	serverNewer := d.Detect(
		&LocalRecord{Key: testKey("e2"), ModifiedAt: 900, Revision: "rev-1", LastSyncedAt: Int64Ptr(1000)},
		&RemoteKnown{Revision: "rev-2", ModifiedAt: 1500},
	)

	if serverNewer.Suggested != StrategyKeepServer {
		t.Errorf("server_newer suggestion = %s, want keep_server", serverNewer.Suggested)
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	d := NewDetector(testLogger(t))

	tests := []struct {
		name     string
		conflict Conflict
		strategy ResolutionStrategy
		want     ResolvedAction
	}{
		{"none uploads", Conflict{Type: ConflictNone}, StrategyKeepLocal, ActionUploadLocal},
		{"local only uploads", Conflict{Type: ConflictLocalOnly}, StrategySkip, ActionUploadLocal},
		{"local newer uploads", Conflict{Type: ConflictLocalNewer}, StrategyKeepServer, ActionUploadLocal},
		{"server newer applies server", Conflict{Type: ConflictServerNewer}, StrategyKeepLocal, ActionApplyServer},
		{"deleted remotely recreates by default", Conflict{Type: ConflictDeletedRemotely}, StrategyKeepLocal, ActionUploadLocal},
		{"deleted remotely discards on keep server", Conflict{Type: ConflictDeletedRemotely}, StrategyKeepServer, ActionDiscardLocal},
		{"both modified keep local", Conflict{Type: ConflictBothModified}, StrategyKeepLocal, ActionUploadLocal},
		{"both modified keep server", Conflict{Type: ConflictBothModified}, StrategyKeepServer, ActionApplyServer},
		{"both modified skip", Conflict{Type: ConflictBothModified}, StrategySkip, ActionSkipItem},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := d.Resolve(tt.conflict, tt.strategy)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}

			if got != tt.want {
				t.Errorf("Resolve = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestResolveUnknownStrategy(t *testing.T) {
	t.Parallel()

	d := NewDetector(testLogger(t))

	if _, err := d.Resolve(Conflict{Type: ConflictBothModified}, ResolutionStrategy(99)); err == nil {
		t.Error("expected error for unknown strategy on both_modified")
	}
}
