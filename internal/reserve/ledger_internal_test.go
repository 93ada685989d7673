package reserve

import (
	"testing"

	"github.com/cochaviz/carrel/internal/models"
)

func TestDeletedLastState(t *testing.T) {
	cases := []struct {
		current models.RequestState
		last    models.RequestState
		want    models.RequestState
	}{
		{models.RequestNew, "", models.RequestReserved},
		{models.RequestReserved, models.RequestNew, models.RequestReserved},
		{models.RequestInUse, models.RequestReserved, models.RequestInUse},
		{models.RequestPending, models.RequestReserved, models.RequestReserved},
		{models.RequestPending, models.RequestInUse, models.RequestInUse},
		{models.RequestImaging, "", models.RequestImaging},
	}
	for _, tc := range cases {
		if got := deletedLastState(tc.current, tc.last); got != tc.want {
			t.Errorf("deletedLastState(%s, %s) = %s, want %s", tc.current, tc.last, got, tc.want)
		}
	}
}
