package streaming

import (
	"bufio"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// PlaylistParser parses HLS master/media playlist text into a PlaylistSnapshot.
// Parsing is total over well-formed input: unknown tags are ignored and
// malformed attribute lines degrade to absent fields rather than failing the
// whole parse. It only fails when the text is not a playlist at all.
type PlaylistParser struct{}

// NewPlaylistParser returns a PlaylistParser. It holds no state and is safe
// for concurrent use.
func NewPlaylistParser() *PlaylistParser {
	return &PlaylistParser{}
}

// Parse classifies and parses text fetched from baseURL (the playlist's own
// URL; segment/variant URLs are resolved against its directory).
func (p *PlaylistParser) Parse(text, baseURL string) (PlaylistSnapshot, error) {
	lines := splitLines(text)
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "#EXTM3U" {
		return PlaylistSnapshot{}, &ParseError{Reason: "missing #EXTM3U header on line 1"}
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		base = &url.URL{}
	}

	isMaster := false
	for _, l := range lines {
		if strings.HasPrefix(l, "#EXT-X-STREAM-INF:") {
			isMaster = true
			break
		}
	}

	if isMaster {
		variants := parseVariants(lines, base)
		if len(variants) == 0 {
			return PlaylistSnapshot{}, &ParseError{Reason: "master playlist has zero variants"}
		}
		return PlaylistSnapshot{
			Kind:     PlaylistMaster,
			Variants: sortVariantsDescending(variants),
			BaseURL:  baseURL,
		}, nil
	}

	mediaSeq := parseMediaSequence(lines)
	segments := parseSegments(lines, base, mediaSeq)
	if len(segments) == 0 {
		return PlaylistSnapshot{}, &ParseError{Reason: "media playlist has zero segments"}
	}

	return PlaylistSnapshot{
		Kind:          PlaylistMedia,
		Segments:      segments,
		MediaSequence: mediaSeq,
		IsLive:        !strings.Contains(text, "#EXT-X-ENDLIST"),
		BaseURL:       baseURL,
	}, nil
}

func splitLines(text string) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out
}

// nextURLLine returns the next non-empty, non-comment line after i, and the
// index it was found at, or ("", -1) if none remains before the next tag.
func nextURLLine(lines []string, i int) (string, int) {
	for j := i + 1; j < len(lines); j++ {
		l := strings.TrimSpace(lines[j])
		if l == "" {
			continue
		}
		if strings.HasPrefix(l, "#") {
			return "", -1
		}
		return l, j
	}
	return "", -1
}

func parseVariants(lines []string, base *url.URL) []Variant {
	var variants []Variant
	for i, l := range lines {
		if !strings.HasPrefix(l, "#EXT-X-STREAM-INF:") {
			continue
		}
		attrs := parseAttributeList(strings.TrimPrefix(l, "#EXT-X-STREAM-INF:"))
		urlLine, _ := nextURLLine(lines, i)
		if urlLine == "" {
			continue
		}
		v := Variant{URL: resolveURL(base, urlLine)}
		if bw, ok := attrs["BANDWIDTH"]; ok {
			if n, err := strconv.ParseInt(bw, 10, 64); err == nil {
				v.BitrateBps = n
			}
		}
		if res, ok := attrs["RESOLUTION"]; ok {
			v.Resolution = res
		}
		if codecs, ok := attrs["CODECS"]; ok {
			v.Codecs = strings.Trim(codecs, `"`)
		}
		variants = append(variants, v)
	}
	return variants
}

// parseAttributeList splits an HLS attribute-list (KEY=VALUE,KEY="VALUE,WITH,COMMAS")
// into a map, respecting quoted commas. Malformed entries are skipped, never fail.
func parseAttributeList(s string) map[string]string {
	out := make(map[string]string)
	var cur strings.Builder
	inQuotes := false
	var fields []string
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case r == ',' && !inQuotes:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	for _, f := range fields {
		kv := strings.SplitN(f, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out
}

func sortVariantsDescending(variants []Variant) []Variant {
	out := make([]Variant, len(variants))
	copy(out, variants)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].BitrateBps > out[j].BitrateBps
	})
	return out
}

func parseMediaSequence(lines []string) uint64 {
	for _, l := range lines {
		if strings.HasPrefix(l, "#EXT-X-MEDIA-SEQUENCE:") {
			v := strings.TrimPrefix(l, "#EXT-X-MEDIA-SEQUENCE:")
			if n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64); err == nil {
				return n
			}
		}
	}
	return 0
}

func parseSegments(lines []string, base *url.URL, mediaSeq uint64) []SegmentRef {
	var segments []SegmentRef
	seq := mediaSeq
	var pendingRange *ByteRange
	var prevRangeEnd int64
	var pendingDur float64
	inSegment := false

	for _, l := range lines {
		urlLine := strings.TrimSpace(l)
		switch {
		case strings.HasPrefix(l, "#EXT-X-BYTERANGE:"):
			pendingRange = parseByteRange(strings.TrimPrefix(l, "#EXT-X-BYTERANGE:"), prevRangeEnd)
		case strings.HasPrefix(l, "#EXTINF:"):
			pendingDur = parseExtinfDuration(strings.TrimPrefix(l, "#EXTINF:"))
			inSegment = true
		case inSegment && urlLine != "" && !strings.HasPrefix(urlLine, "#"):
			seg := SegmentRef{
				Sequence:  seq,
				URL:       resolveURL(base, urlLine),
				DurationS: pendingDur,
				ByteRange: pendingRange,
			}
			if pendingRange != nil {
				prevRangeEnd = pendingRange.End
			}
			pendingRange = nil
			inSegment = false
			segments = append(segments, seg)
			seq++
		}
	}
	return segments
}

func parseExtinfDuration(attr string) float64 {
	// "#EXTINF:<duration>,<title>" — duration is the field before the first comma.
	field := attr
	if idx := strings.IndexByte(attr, ','); idx >= 0 {
		field = attr[:idx]
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
	if err != nil {
		return 0
	}
	return d
}

// parseByteRange parses "<n>[@<o>]"; when o is omitted, it defaults to the
// end of the previous segment's byte range (HLS's contiguous-range shorthand).
func parseByteRange(attr string, prevEnd int64) *ByteRange {
	parts := strings.SplitN(strings.TrimSpace(attr), "@", 2)
	n, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || n <= 0 {
		return nil
	}
	var start int64
	if len(parts) == 2 {
		if o, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
			start = o
		}
	} else {
		start = prevEnd
	}
	return &ByteRange{Start: start, End: start + n}
}

func resolveURL(base *url.URL, ref string) string {
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if base == nil {
		return r.String()
	}
	return base.ResolveReference(r).String()
}

// buildLivePlaylist renders a media PlaylistSnapshot's segments back out as an
// HLS media playlist string, for an owner-facing consumer that wants the raw
// m3u8 form instead of a raw segment-push feed. Adapted from the teacher's
// BuildLivePlaylist: same #EXTM3U/#EXT-X-TARGETDURATION/#EXT-X-MEDIA-SEQUENCE
// shape, generalized from the teacher's path-only Segment to SegmentRef.
func buildLivePlaylist(segments []SegmentRef, ended bool) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	if len(segments) == 0 {
		b.WriteString("#EXT-X-TARGETDURATION:1\n")
		b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
		if ended {
			b.WriteString("#EXT-X-ENDLIST\n")
		}
		return b.String()
	}

	target := targetDurationFromSegments(segments)
	b.WriteString("#EXT-X-TARGETDURATION:" + strconv.Itoa(target) + "\n")
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:" + strconv.FormatUint(segments[0].Sequence, 10) + "\n\n")

	for _, seg := range segments {
		b.WriteString("#EXTINF:" + strconv.FormatFloat(seg.DurationS, 'f', 1, 64) + ",\n")
		b.WriteString(seg.URL)
		b.WriteString("\n")
	}

	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

func targetDurationFromSegments(segments []SegmentRef) int {
	max := 0.0
	for _, seg := range segments {
		if seg.DurationS > max {
			max = seg.DurationS
		}
	}
	if max <= 0 {
		return 1
	}
	return int(math.Ceil(max))
}
