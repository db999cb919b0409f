package policy

import "testing"

func TestCompileThresholdDefault(t *testing.T) {
	threshold, err := CompileThreshold("")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if threshold(799, 0, 1000, 800) {
		t.Fatal("approved below guarantee amount")
	}
	if !threshold(800, 0, 1000, 800) {
		t.Fatal("did not approve at guarantee amount")
	}
}

func TestCompileThresholdMajority(t *testing.T) {
	threshold, err := CompileThreshold("votes_for > votes_against && votes_for >= total_staked / 2")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if threshold(400, 100, 1000, 800) {
		t.Fatal("approved without half the stake")
	}
	if !threshold(500, 100, 1000, 800) {
		t.Fatal("did not approve with half the stake")
	}
}

func TestCompileThresholdRejectsBadExpressions(t *testing.T) {
	if _, err := CompileThreshold("votes_for >="); err == nil {
		t.Fatal("accepted malformed expression")
	}
	if _, err := CompileThreshold("votes_four >= 1"); err == nil {
		t.Fatal("accepted unknown variable")
	}
}

func TestCompileThresholdNonBooleanFailsClosed(t *testing.T) {
	threshold, err := CompileThreshold("votes_for + votes_against")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if threshold(100, 100, 1000, 800) {
		t.Fatal("non-boolean result approved")
	}
}
