package streaming

import (
	"encoding/json"
	"strconv"
	"time"
)

// SessionID uniquely identifies a StreamSession.
type SessionID string

// OwnerID identifies the tab/page/local-player that owns a session.
type OwnerID string

// ContainerKind tags the manifest format resolved for a session.
type ContainerKind int

const (
	ContainerUnknown ContainerKind = iota
	ContainerHLSMaster
	ContainerHLSMedia
	ContainerProgressive
)

func (k ContainerKind) String() string {
	switch k {
	case ContainerHLSMaster:
		return "hls_master"
	case ContainerHLSMedia:
		return "hls_media"
	case ContainerProgressive:
		return "progressive"
	default:
		return "unknown"
	}
}

// PlaylistKind distinguishes a Master playlist (variants only) from a Media
// playlist (segments only).
type PlaylistKind int

const (
	PlaylistMaster PlaylistKind = iota
	PlaylistMedia
)

// ByteRange is an HLS #EXT-X-BYTERANGE, in bytes, end-exclusive.
type ByteRange struct {
	Start int64
	End   int64
}

// Variant is one rendition referenced by an HLS master playlist. Immutable
// once parsed.
type Variant struct {
	URL        string
	BitrateBps int64
	Resolution string // e.g. "1280x720"; empty if absent from the manifest
	Codecs     string
}

// SegmentRef is one media segment referenced by an HLS media playlist.
type SegmentRef struct {
	Sequence  uint64
	URL       string
	DurationS float64
	ByteRange *ByteRange
}

// ID is the dedup key used across live-playlist refreshes.
func (s SegmentRef) ID() string {
	return segmentID(s.Sequence, s.URL)
}

func segmentID(sequence uint64, url string) string {
	return strconv.FormatUint(sequence, 10) + "_" + url
}

// PlaylistSnapshot is the immutable result of parsing one playlist fetch.
type PlaylistSnapshot struct {
	Kind          PlaylistKind
	Variants      []Variant    // populated iff Kind == PlaylistMaster, sorted bitrate descending
	Segments      []SegmentRef // populated iff Kind == PlaylistMedia, sequence ascending
	MediaSequence uint64
	IsLive        bool
	BaseURL       string
}

// SessionStateTag is the exported enum tag of a StreamSession's current state.
type SessionStateTag int

const (
	StateResolving SessionStateTag = iota
	StateDownloading
	StateLiveRefreshing
	StatePaused
	StateEnded
	StateFailed
)

func (t SessionStateTag) String() string {
	switch t {
	case StateResolving:
		return "resolving"
	case StateDownloading:
		return "downloading"
	case StateLiveRefreshing:
		return "live_refreshing"
	case StatePaused:
		return "paused"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalJSON renders a SessionStateTag as its string form for API responses.
func (t SessionStateTag) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// FailureKind names why a session transitioned to StateFailed.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureAuthExpired
	FailureStreamEnded
	FailureManifestMalformed
	FailureSinkClosed
)

func (k FailureKind) String() string {
	switch k {
	case FailureAuthExpired:
		return "auth_expired"
	case FailureStreamEnded:
		return "stream_ended"
	case FailureManifestMalformed:
		return "manifest_malformed"
	case FailureSinkClosed:
		return "sink_closed"
	default:
		return "none"
	}
}

// MarshalJSON renders a FailureKind as its string form for API responses.
func (k FailureKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// SegmentKey addresses one cached segment's bytes.
type SegmentKey struct {
	Session  SessionID
	Stream   string // e.g. variant URL or "video"/"audio" sub-stream name
	Sequence uint64
}

// SegmentRecord is one entry in SegmentStore.
type SegmentRecord struct {
	Key      SegmentKey
	Bytes    []byte
	ByteLen  int
	StoredAt time.Time
}

// BandwidthSample is one reported fetch throughput observation.
type BandwidthSample struct {
	Bps float64
	T   time.Time
}
