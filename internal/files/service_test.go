package files

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/dohr-michael/genbatch/internal/failure"
	"github.com/dohr-michael/genbatch/internal/handles"
)

const generated = "Gemini_Generated_Image_abc.png"

func TestWaitStabilityRequiresThreeStableReads(t *testing.T) {
	f := newFixture(t, testOptions())
	f.src.put(generated, pngBytes(t, 178, 100, 1))
	f.src.sizes[generated] = []int64{10, 20, 30, 30, 30, 30}

	res := f.svc.WaitForDownloadAndRename(context.Background(), "a.png", Baseline{})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if got := f.src.readAt[generated]; got != 6 {
		t.Errorf("proceeded after %d size reads, want 6", got)
	}
}

func TestWaitStabilityResetsOnZeroAndChange(t *testing.T) {
	f := newFixture(t, testOptions())
	f.src.put(generated, pngBytes(t, 178, 100, 1))
	f.src.sizes[generated] = []int64{5, 5, 5, 0, 7, 7, 7, 7}

	res := f.svc.WaitForDownloadAndRename(context.Background(), "a.png", Baseline{})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	// 5,5,5 gives two stable reads, then 0 resets; 7 then three equal reads.
	if got := f.src.readAt[generated]; got != 8 {
		t.Errorf("proceeded after %d size reads, want 8", got)
	}
}

func TestWaitMovesFileAndRecordsHash(t *testing.T) {
	f := newFixture(t, testOptions())
	data := pngBytes(t, 178, 100, 1)
	f.src.put(generated, data)

	res := f.svc.WaitForDownloadAndRename(context.Background(), "sunset.png", Baseline{})
	if !res.Success || res.Filename != "sunset.png" {
		t.Fatalf("result = %+v", res)
	}
	if !f.out.has("sunset.png") {
		t.Error("output file not written")
	}
	if f.src.has(generated) {
		t.Error("source file not removed")
	}
	if f.svc.lastHash == "" {
		t.Error("hash not recorded")
	}
}

func TestAspectRatioGate(t *testing.T) {
	tests := []struct {
		name    string
		w, h    int
		success bool
		log     string
	}{
		{"near square rejected", 102, 100, false, "square image rejected"},
		{"near 16:9 accepted", 178, 100, true, "aspect ratio near 16:9"},
		{"off target accepted with warning", 130, 100, true, "level=WARN msg=\"aspect ratio off target\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testOptions())
			f.src.put(generated, pngBytes(t, tt.w, tt.h, 1))

			res := f.svc.WaitForDownloadAndRename(context.Background(), "x.png", Baseline{})
			if res.Success != tt.success {
				t.Fatalf("success = %v, want %v (%+v)", res.Success, tt.success, res)
			}
			if !strings.Contains(f.logs.String(), tt.log) {
				t.Errorf("log missing %q:\n%s", tt.log, f.logs.String())
			}
			if f.src.has(generated) {
				t.Error("source file should be gone in every case")
			}
			if !tt.success {
				if res.ErrorType != failure.KindAspectRatioRejected || res.Reason != ReasonAspectRatio {
					t.Errorf("result = %+v", res)
				}
				if f.out.writes != 0 {
					t.Error("rejected image was written")
				}
			}
		})
	}
}

func TestUndecodableRejected(t *testing.T) {
	f := newFixture(t, testOptions())
	f.src.put(generated, []byte("definitely not an image"))

	res := f.svc.WaitForDownloadAndRename(context.Background(), "x.png", Baseline{})
	if res.Success || res.ErrorType != failure.KindAspectRatioRejected || res.Reason != ReasonUndecodable {
		t.Fatalf("result = %+v", res)
	}
	if f.src.has(generated) {
		t.Error("undecodable source not removed")
	}
}

func TestDuplicateDetection(t *testing.T) {
	f := newFixture(t, testOptions())
	data := pngBytes(t, 178, 100, 7)

	f.src.put("Gemini_Generated_Image_1.png", data)
	first := f.svc.WaitForDownloadAndRename(context.Background(), "a.png", Baseline{})
	if !first.Success {
		t.Fatalf("first = %+v", first)
	}

	f.src.put("Gemini_Generated_Image_2.png", data)
	second := f.svc.WaitForDownloadAndRename(context.Background(), "b.png", Baseline{})
	if second.Success || second.ErrorType != failure.KindDuplicateDetected || second.Reason != ReasonDuplicate {
		t.Fatalf("second = %+v", second)
	}
	if f.src.has("Gemini_Generated_Image_2.png") {
		t.Error("duplicate source not removed")
	}
	if f.out.has("b.png") || f.out.writes != 1 {
		t.Errorf("duplicate written: writes = %d", f.out.writes)
	}
}

func TestResetStateClearsDuplicateMemory(t *testing.T) {
	f := newFixture(t, testOptions())
	data := pngBytes(t, 178, 100, 7)

	f.src.put("Gemini_Generated_Image_1.png", data)
	_ = f.svc.WaitForDownloadAndRename(context.Background(), "a.png", Baseline{})

	f.svc.ResetState()

	f.src.put("Gemini_Generated_Image_2.png", data)
	res := f.svc.WaitForDownloadAndRename(context.Background(), "b.png", Baseline{})
	if !res.Success {
		t.Fatalf("after reset = %+v", res)
	}
}

func TestWaitTimeout(t *testing.T) {
	opts := testOptions()
	opts.Timeout = 80 * time.Millisecond
	f := newFixture(t, opts)

	res := f.svc.WaitForDownloadAndRename(context.Background(), "a.png", nil)
	if res.Success || res.ErrorType != failure.KindFileWaitTimeout || res.Reason != ReasonTimeout {
		t.Fatalf("result = %+v", res)
	}
}

func TestWaitIgnoresBaselineAndNonImages(t *testing.T) {
	opts := testOptions()
	opts.Timeout = 100 * time.Millisecond
	opts.WidenFraction = 0
	f := newFixture(t, opts)
	f.src.put("old.png", pngBytes(t, 178, 100, 1))
	f.src.put("Gemini_Generated_Image_x.png.crdownload", []byte("partial"))

	res := f.svc.WaitForDownloadAndRename(context.Background(), "a.png", nil)
	if res.ErrorType != failure.KindFileWaitTimeout {
		t.Fatalf("result = %+v, want timeout", res)
	}
	if !f.src.has("old.png") {
		t.Error("baseline file touched")
	}
}

func TestWaitPrefersGeneratedName(t *testing.T) {
	opts := testOptions()
	opts.WidenFraction = 0
	f := newFixture(t, opts)
	f.src.put("aaa_other.png", pngBytes(t, 178, 100, 1))
	f.src.put(generated, pngBytes(t, 178, 100, 2))

	res := f.svc.WaitForDownloadAndRename(context.Background(), "a.png", Baseline{})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if f.src.has(generated) || !f.src.has("aaa_other.png") {
		t.Errorf("picked the wrong candidate, removed = %v", f.src.removed)
	}
}

func TestWaitWidensAfterFraction(t *testing.T) {
	opts := testOptions()
	opts.Timeout = time.Second
	opts.WidenFraction = 0.1
	f := newFixture(t, opts)
	f.src.put("renamed.png", pngBytes(t, 178, 100, 1))

	start := time.Now()
	res := f.svc.WaitForDownloadAndRename(context.Background(), "a.png", Baseline{})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("accepted non-generated name after %s, before widening", elapsed)
	}
}

func TestWaitTakesOwnBaseline(t *testing.T) {
	opts := testOptions()
	opts.Timeout = 300 * time.Millisecond
	f := newFixture(t, opts)
	f.src.put(generated, pngBytes(t, 178, 100, 1))

	fresh := pngBytes(t, 178, 100, 2)
	go func() {
		time.Sleep(50 * time.Millisecond)
		f.src.put("Gemini_Generated_Image_new.png", fresh)
	}()

	res := f.svc.WaitForDownloadAndRename(context.Background(), "a.png", nil)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if !f.src.has(generated) {
		t.Error("pre-existing file consumed")
	}
}

func TestWaitCancelledDoesNotWrite(t *testing.T) {
	f := newFixture(t, testOptions())
	f.src.put(generated, pngBytes(t, 178, 100, 1))
	f.src.sizes[generated] = []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	res := f.svc.WaitForDownloadAndRename(ctx, "a.png", Baseline{})
	if res.Success || res.ErrorType != failure.KindCancelled {
		t.Fatalf("result = %+v", res)
	}
	if f.out.writes != 0 {
		t.Error("cancelled wait wrote output")
	}
}

func TestMissingHandles(t *testing.T) {
	svc := NewService(&memDirs{}, testOptions(), nil)

	res := svc.WaitForDownloadAndRename(context.Background(), "a.png", nil)
	if res.ErrorType != failure.KindFolderAccess || res.Reason != ReasonMissingHandles {
		t.Fatalf("result = %+v", res)
	}

	exists, err := svc.FileExists(context.Background(), "a.png")
	if exists || failure.KindOf(err) != failure.KindFolderAccess {
		t.Errorf("FileExists = %v, %v", exists, err)
	}

	if got := svc.ListFiles(context.Background()); got == nil || len(got) != 0 {
		t.Errorf("ListFiles = %#v, want empty", got)
	}
}

func TestPermissionLost(t *testing.T) {
	dirs := &memDirs{errs: map[string]error{
		handles.Output: fmt.Errorf("x: %w", handles.ErrPermissionLost),
	}}
	svc := NewService(dirs, testOptions(), nil)

	_, err := svc.FileExists(context.Background(), "a.png")
	if failure.ReasonOf(err) != ReasonPermissionLost {
		t.Errorf("reason = %q", failure.ReasonOf(err))
	}
	if !errors.Is(err, handles.ErrPermissionLost) {
		t.Errorf("error chain lost sentinel: %v", err)
	}
}

func TestFileExistsAndList(t *testing.T) {
	f := newFixture(t, testOptions())
	f.out.put("a.png", []byte("x"))

	ok, err := f.svc.FileExists(context.Background(), "a.png")
	if err != nil || !ok {
		t.Errorf("FileExists(a.png) = %v, %v", ok, err)
	}
	ok, err = f.svc.FileExists(context.Background(), "A.png")
	if err != nil || ok {
		t.Errorf("FileExists(A.png) = %v, %v; match must be exact", ok, err)
	}

	if got := f.svc.ListFiles(context.Background()); len(got) != 1 || got[0] != "a.png" {
		t.Errorf("ListFiles = %v", got)
	}
}

func TestSnapshotFiltersImages(t *testing.T) {
	f := newFixture(t, testOptions())
	f.src.put("a.PNG", nil)
	f.src.put("b.txt", nil)
	f.src.put("c.webp", nil)

	b, err := f.svc.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	names := b.Names()
	if len(names) != 2 || names[0] != "a.PNG" || names[1] != "c.webp" {
		t.Errorf("Snapshot = %v", names)
	}
}
