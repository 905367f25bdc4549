package transport

import "testing"

func TestProgressParsesStatLines(t *testing.T) {
	p := newProgress()

	// Split writes mid-line like a real pipe would.
	p.Write([]byte("  Stream #0:0: Video: h264, yuv420p, 1920x1080, 25 fps\nframe=  50 fps=25.0 size=    1"))
	p.Write([]byte("00kB time=00:01:02.50 bitrate= 812.3kbits/s speed=1x\r"))

	st := p.snapshot()
	if st.Resolution != "1920x1080" {
		t.Errorf("Resolution = %q", st.Resolution)
	}
	if st.FPS != 25 {
		t.Errorf("FPS = %v", st.FPS)
	}
	if st.BytesTransferred != 100*1024 {
		t.Errorf("BytesTransferred = %d", st.BytesTransferred)
	}
	if st.Duration != 62.5 {
		t.Errorf("Duration = %v", st.Duration)
	}
	if st.Bitrate != 812.3 {
		t.Errorf("Bitrate = %v", st.Bitrate)
	}
	if !p.progressed() {
		t.Error("expected progressed after a non-zero time")
	}
}

func TestProgressIgnoresNoise(t *testing.T) {
	p := newProgress()
	p.Write([]byte("Input #0, mov,mp4, from 'a.mp4':\n  Duration: 00:10:00.00, start: 0.000000, bitrate: 2000 kb/s\n"))
	p.Write([]byte("frame=    0 fps=0.0 q=0.0 size=       0kB time=00:00:00.00 bitrate=N/A speed=   0x\r"))

	st := p.snapshot()
	if st.Bitrate != 0 || st.Duration != 0 || st.Resolution != "0x0" {
		t.Fatalf("unexpected stats %+v", st)
	}
	if p.progressed() {
		t.Fatal("zero time must not count as progress")
	}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"00:00:01.50", 1.5, true},
		{"01:02:03.00", 3723, true},
		{"1:2", 0, false},
		{"aa:00:00.0", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseClock(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseClock(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
