package knowledge

import "testing"

func TestStaticProviderQuery(t *testing.T) {
	provider := NewStaticProvider([]Snippet{
		{Title: "database access", Keywords: []string{"mysql", "connection refused"}},
		{Title: "api credentials", Keywords: []string{"token", "401"}, Tags: []string{"api"}},
		{Title: "deploy runbook", Tags: []string{"ops"}},
	}, 2)

	got := provider.Query("MySQL connection refused on staging", nil)
	if len(got) != 1 || got[0].Title != "database access" {
		t.Fatalf("unexpected result: %+v", got)
	}

	// 标签与任务标签相同也算命中。
	got = provider.Query("cannot reach upstream", []string{"api"})
	if len(got) != 1 || got[0].Title != "api credentials" {
		t.Fatalf("unexpected label match: %+v", got)
	}

	if got = provider.Query("nothing relevant", nil); len(got) != 0 {
		t.Fatalf("expected no matches, got %+v", got)
	}
}
