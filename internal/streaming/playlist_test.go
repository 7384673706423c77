package streaming

import (
	"strings"
	"testing"
)

func TestParse_masterPlaylist_sortsDescending(t *testing.T) {
	text := `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360
low.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2800000,RESOLUTION=1280x720,CODECS="avc1.64001f,mp4a.40.2"
high.m3u8
`
	p := NewPlaylistParser()
	snap, err := p.Parse(text, "https://cdn.example.com/stream/master.m3u8")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Kind != PlaylistMaster {
		t.Fatalf("expected PlaylistMaster, got %v", snap.Kind)
	}
	if len(snap.Variants) != 2 {
		t.Fatalf("expected 2 variants, got %d", len(snap.Variants))
	}
	if snap.Variants[0].BitrateBps != 2800000 {
		t.Errorf("expected highest bitrate first, got %d", snap.Variants[0].BitrateBps)
	}
	if snap.Variants[0].Codecs != "avc1.64001f,mp4a.40.2" {
		t.Errorf("expected quoted-comma codecs preserved: %q", snap.Variants[0].Codecs)
	}
	if !strings.HasSuffix(snap.Variants[0].URL, "/stream/high.m3u8") {
		t.Errorf("expected variant URL resolved against base: %q", snap.Variants[0].URL)
	}
}

func TestParse_mediaPlaylist_live(t *testing.T) {
	text := `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:10
#EXTINF:6.0,
seg10.ts
#EXTINF:6.0,
seg11.ts
`
	p := NewPlaylistParser()
	snap, err := p.Parse(text, "https://cdn.example.com/stream/720p.m3u8")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Kind != PlaylistMedia {
		t.Fatalf("expected PlaylistMedia, got %v", snap.Kind)
	}
	if !snap.IsLive {
		t.Error("expected IsLive true without #EXT-X-ENDLIST")
	}
	if len(snap.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(snap.Segments))
	}
	if snap.Segments[0].Sequence != 10 {
		t.Errorf("expected first sequence to be media sequence (10), got %d", snap.Segments[0].Sequence)
	}
	if snap.Segments[1].Sequence != 11 {
		t.Errorf("expected sequence to increment, got %d", snap.Segments[1].Sequence)
	}
}

func TestParse_mediaPlaylist_vodEnded(t *testing.T) {
	text := `#EXTM3U
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:4.0,
seg0.ts
#EXT-X-ENDLIST
`
	p := NewPlaylistParser()
	snap, err := p.Parse(text, "https://cdn.example.com/stream/720p.m3u8")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.IsLive {
		t.Error("expected IsLive false when #EXT-X-ENDLIST present")
	}
}

func TestParse_byteRange_defaultsToPreviousEnd(t *testing.T) {
	text := `#EXTM3U
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:2.0,
#EXT-X-BYTERANGE:1000@0
seg.mp4
#EXTINF:2.0,
#EXT-X-BYTERANGE:500
seg.mp4
`
	p := NewPlaylistParser()
	snap, err := p.Parse(text, "https://cdn.example.com/seg.mp4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snap.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(snap.Segments))
	}
	if snap.Segments[0].ByteRange == nil || snap.Segments[0].ByteRange.Start != 0 || snap.Segments[0].ByteRange.End != 1000 {
		t.Fatalf("unexpected first byte range: %+v", snap.Segments[0].ByteRange)
	}
	if snap.Segments[1].ByteRange == nil || snap.Segments[1].ByteRange.Start != 1000 || snap.Segments[1].ByteRange.End != 1500 {
		t.Fatalf("expected second range to default start to previous end, got %+v", snap.Segments[1].ByteRange)
	}
}

func TestParse_missingHeader_fails(t *testing.T) {
	p := NewPlaylistParser()
	_, err := p.Parse("not a playlist", "https://cdn.example.com/x.m3u8")
	if err == nil {
		t.Fatal("expected error for missing #EXTM3U header")
	}
}

func TestParse_masterWithZeroVariants_fails(t *testing.T) {
	p := NewPlaylistParser()
	_, err := p.Parse("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\n", "https://cdn.example.com/x.m3u8")
	if err == nil {
		t.Fatal("expected error when master playlist has a STREAM-INF with no following URL")
	}
}

func TestBuildLivePlaylist_rendersSegmentsAndEndlist(t *testing.T) {
	segs := []SegmentRef{
		{Sequence: 5, URL: "seg5.ts", DurationS: 2.0},
		{Sequence: 6, URL: "seg6.ts", DurationS: 2.0},
	}
	out := buildLivePlaylist(segs, false)
	if !strings.Contains(out, "#EXT-X-MEDIA-SEQUENCE:5") {
		t.Errorf("expected media sequence 5: %s", out)
	}
	if !strings.Contains(out, "seg5.ts") || !strings.Contains(out, "seg6.ts") {
		t.Errorf("expected both segment URLs: %s", out)
	}
	if strings.Contains(out, "#EXT-X-ENDLIST") {
		t.Error("should not contain ENDLIST when not ended")
	}

	ended := buildLivePlaylist(segs, true)
	if !strings.Contains(ended, "#EXT-X-ENDLIST") {
		t.Error("expected ENDLIST when ended")
	}
}
