package rating

import "testing"

func TestUpdateEqualRatingsWin(t *testing.T) {
	got := Update(1200, 1200, 1)
	want := 1200 + 16 // expected 0.5, actual 1.0, delta = 32*0.5 = 16
	if got != want {
		t.Errorf("Update(1200,1200,1) = %d, want %d", got, want)
	}
}

func TestUpdateEqualRatingsLoss(t *testing.T) {
	got := Update(1200, 1200, -1)
	want := 1200 - 16
	if got != want {
		t.Errorf("Update(1200,1200,-1) = %d, want %d", got, want)
	}
}

func TestUpdateDraw(t *testing.T) {
	got := Update(1200, 1200, 0)
	if got != 1200 {
		t.Errorf("Update(1200,1200,0) = %d, want 1200 (no change for equal draw)", got)
	}
}

func TestUpdateUnderdogWinGainsMore(t *testing.T) {
	weakerWin := Update(1000, 1400, 1) - 1000
	strongerWin := Update(1400, 1000, 1) - 1400
	if weakerWin <= strongerWin {
		t.Errorf("expected underdog's win (%d) to gain more than favorite's win (%d)", weakerWin, strongerWin)
	}
}
