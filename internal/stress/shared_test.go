//go:build unix

package stress

import (
	"fmt"
	"os"
	"testing"

	"github.com/llxisdsh/gclock"
)

func testSharedRun(t *testing.T, mode string) {
	if testing.Short() {
		t.Skip("spinners saturate every CPU")
	}
	name := fmt.Sprintf("stress_%d_%s", os.Getpid(), mode)
	s, err := gclock.CreateShared(name)
	if err != nil {
		t.Fatal(err)
	}
	defer gclock.Unlink(name)
	checkRun(t, &s.GcLock, mode, 8, 8, 16)
	if st := s.Stats(); st.PendingShared != 0 {
		t.Fatalf("%d deferred callbacks counted in the segment after Run", st.PendingShared)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestRunSharedSync(t *testing.T) {
	testSharedRun(t, ModeSync)
}

func TestRunSharedDefer(t *testing.T) {
	testSharedRun(t, ModeDefer)
}
