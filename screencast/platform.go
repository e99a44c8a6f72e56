package screencast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go2tv.app/screenrec/capture"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/pipewire"
	"go2tv.app/screenrec/internal/portal"
	"go2tv.app/screenrec/source"
)

const (
	defaultFrameRate         = 30
	defaultFirstFrameTimeout = 8 * time.Second
	defaultThumbnailTimeout  = 3 * time.Second
)

// PlatformOptions configures a Platform. Zero values pick defaults.
type PlatformOptions struct {
	FrameRate         uint32
	FirstFrameTimeout time.Duration
	ThumbnailTimeout  time.Duration
	HideCursor        bool
}

// Platform enumerates sources through the ScreenCast portal and captures
// them over PipeWire. Each ListSources call runs one portal session; its
// streams stay capturable until a later enumeration supersedes it, no
// capture still uses it and the latest capture was opened from another one.
type Platform struct {
	client *Client
	opts   PlatformOptions
	log    *slog.Logger

	mu      sync.Mutex
	seq     uint64
	enums   map[uint64]*enumeration
	current uint64
}

type enumeration struct {
	seq          uint64
	closeSession func(context.Context) error
	fd           int
	streams      map[string]Stream
	open         int
	stale        bool
}

func NewPlatform(conn *portal.Conn, opts PlatformOptions) *Platform {
	if opts.FrameRate == 0 {
		opts.FrameRate = defaultFrameRate
	}
	if opts.FirstFrameTimeout <= 0 {
		opts.FirstFrameTimeout = defaultFirstFrameTimeout
	}
	if opts.ThumbnailTimeout <= 0 {
		opts.ThumbnailTimeout = defaultThumbnailTimeout
	}
	return &Platform{
		client: NewClient(conn),
		opts:   opts,
		log:    logging.GetLogger("screencast"),
		enums:  make(map[uint64]*enumeration),
	}
}

// ListSources asks the user through the portal picker which screens and
// windows may be captured and describes each granted stream.
func (p *Platform) ListSources(ctx context.Context, q source.Query) ([]source.Descriptor, error) {
	if !pipewire.IsAvailable() {
		return nil, pipewire.ErrLibraryNotLoaded
	}

	available, err := p.client.AvailableSourceTypes(ctx)
	if err != nil {
		return nil, err
	}
	types := portalTypes(q) & available
	if types == 0 {
		return nil, fmt.Errorf("portal offers none of the requested source kinds (available=%d)", available)
	}

	en, err := p.enumerate(ctx, types)
	if err != nil {
		return nil, err
	}

	p.add(en)

	descriptors := make([]source.Descriptor, 0, len(en.streams))
	for _, id := range sortedIDs(en.streams) {
		st := en.streams[id]
		d := describe(en.seq, st)
		d.Thumbnail = p.thumbnail(ctx, en.fd, st, q.ThumbnailSize)
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}

// add makes en the latest enumeration and supersedes the others.
func (p *Platform) add(en *enumeration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	en.seq = p.seq
	for _, old := range p.enums {
		old.stale = true
	}
	p.enums[en.seq] = en
	p.reapLocked()
}

func (p *Platform) enumerate(ctx context.Context, types uint32) (*enumeration, error) {
	sess, err := p.client.CreateSession(ctx)
	if err != nil {
		return nil, err
	}
	cleanup := true
	defer func() {
		if cleanup {
			_ = sess.Close(context.Background())
		}
	}()

	cursor := CursorModeEmbedded
	if p.opts.HideCursor {
		cursor = CursorModeHidden
	}
	if err := sess.SelectSources(ctx, SelectSourcesOptions{
		Types:      types,
		CursorMode: cursor,
		Multiple:   true,
	}); err != nil {
		return nil, err
	}

	streams, err := sess.Start(ctx, "")
	if err != nil {
		return nil, err
	}

	fd, err := sess.OpenPipeWireRemote(ctx)
	if err != nil {
		return nil, err
	}

	en := &enumeration{closeSession: sess.Close, fd: fd, streams: make(map[string]Stream)}
	for _, st := range streams {
		if st.Size[0] <= 0 || st.Size[1] <= 0 {
			p.log.Warn("skipping stream without size", "node", st.NodeID)
			continue
		}
		en.streams[streamKey(st)] = st
	}
	cleanup = false
	return en, nil
}

func (p *Platform) thumbnail(ctx context.Context, fd int, st Stream, size int) []byte {
	ctx, cancel := context.WithTimeout(ctx, p.opts.ThumbnailTimeout)
	defer cancel()

	track, width, height, err := p.openVideo(fd, st)
	if err != nil {
		p.log.Debug("thumbnail stream failed", "node", st.NodeID, "error", err)
		return nil
	}
	defer track.Stop()

	frame, err := track.Snapshot(ctx)
	if err != nil {
		p.log.Debug("thumbnail frame failed", "node", st.NodeID, "error", err)
		return nil
	}
	png, err := source.Thumbnail(frame, int(width), int(height), size)
	if err != nil {
		p.log.Debug("thumbnail encode failed", "node", st.NodeID, "error", err)
		return nil
	}
	return png
}

func (p *Platform) openVideo(fd int, st Stream) (*capture.Track, uint32, uint32, error) {
	width, height := uint32(st.Size[0]), uint32(st.Size[1])
	pw, err := pipewire.NewStream(fd, st.NodeID, width, height, p.opts.FrameRate)
	if err != nil {
		return nil, 0, 0, err
	}
	pw.Start()

	track, err := capture.NewTrack(capture.TrackVideo, pw, int(width)*int(height)*4)
	if err != nil {
		_ = pw.Close()
		return nil, 0, 0, err
	}
	return track, width, height, nil
}

// acquire pins the enumeration behind id until the returned release is
// called. It becomes the current enumeration, which survives being
// superseded while idle so the same source can be reopened.
func (p *Platform) acquire(id string) (*enumeration, Stream, func(), error) {
	seq, key, err := parseID(id)
	if err != nil {
		return nil, Stream{}, nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	en, ok := p.enums[seq]
	var st Stream
	if ok {
		st, ok = en.streams[key]
	}
	if !ok {
		return nil, Stream{}, nil, fmt.Errorf("%w: %s", source.ErrUnknownSource, id)
	}
	en.open++
	p.current = seq
	p.reapLocked()

	var once sync.Once
	release := func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			en.open--
			p.reapLocked()
		})
	}
	return en, st, release, nil
}

// Open starts capturing the stream d describes.
func (p *Platform) Open(ctx context.Context, d source.Descriptor, audio bool) (*capture.Stream, error) {
	en, st, release, err := p.acquire(d.ID)
	if err != nil {
		return nil, err
	}

	video, width, height, err := p.openVideo(en.fd, st)
	if err != nil {
		release()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.FirstFrameTimeout)
	defer cancel()
	if _, err := video.Snapshot(ctx); err != nil {
		_ = video.Stop()
		release()
		return nil, fmt.Errorf("capture timed out waiting for first frame: %w", err)
	}

	var audioTrack *capture.Track
	if audio {
		audioTrack, err = openAudio()
		if err != nil {
			// The encoder substitutes silence for a missing audio track.
			p.log.Warn("system audio unavailable", "error", err)
			audioTrack = nil
		}
	}

	stream, err := capture.NewStream(capture.StreamOptions{
		SourceID:       d.ID,
		Width:          width,
		Height:         height,
		FrameRate:      p.opts.FrameRate,
		AudioRequested: audio,
		Video:          video,
		Audio:          audioTrack,
		OnStop:         release,
	})
	if err != nil {
		_ = video.Stop()
		if audioTrack != nil {
			_ = audioTrack.Stop()
		}
		release()
		return nil, err
	}
	return stream, nil
}

func openAudio() (*capture.Track, error) {
	pw, err := pipewire.NewAudioStream()
	if err != nil {
		return nil, err
	}
	pw.Start()
	track, err := capture.NewTrack(capture.TrackAudio, pw, capture.AudioFrameSize)
	if err != nil {
		_ = pw.Close()
		return nil, err
	}
	return track, nil
}

// Close ends every portal session the platform still holds.
func (p *Platform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for seq, en := range p.enums {
		errs = append(errs, en.close())
		delete(p.enums, seq)
	}
	return errors.Join(errs...)
}

func (p *Platform) reapLocked() {
	for seq, en := range p.enums {
		if en.stale && en.open == 0 && seq != p.current {
			if err := en.close(); err != nil {
				p.log.Debug("closing superseded portal session", "error", err)
			}
			delete(p.enums, seq)
		}
	}
}

func (en *enumeration) close() error {
	var errs []error
	if en.fd >= 0 {
		errs = append(errs, syscall.Close(en.fd))
		en.fd = -1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	errs = append(errs, en.closeSession(ctx))
	return errors.Join(errs...)
}

func portalTypes(q source.Query) uint32 {
	var types uint32
	if q.Wants(source.KindScreen) {
		types |= SourceTypeMonitor
	}
	if q.Wants(source.KindWindow) {
		types |= SourceTypeWindow
	}
	return types
}

func kindOf(st Stream) source.Kind {
	if st.SourceType == SourceTypeWindow {
		return source.KindWindow
	}
	return source.KindScreen
}

func streamKey(st Stream) string {
	return kindOf(st).String() + ":" + strconv.FormatUint(uint64(st.NodeID), 10)
}

func describe(seq uint64, st Stream) source.Descriptor {
	kind := kindOf(st)
	name := st.ID
	if name == "" {
		name = st.MappingID
	}
	if name == "" {
		name = fmt.Sprintf("%s %d", kind, st.NodeID)
	}
	return source.Descriptor{
		ID:   strconv.FormatUint(seq, 10) + "/" + streamKey(st),
		Name: fmt.Sprintf("%s (%dx%d)", name, st.Size[0], st.Size[1]),
		Kind: kind,
	}
}

func parseID(id string) (uint64, string, error) {
	seqPart, key, ok := strings.Cut(id, "/")
	if !ok {
		return 0, "", fmt.Errorf("%w: %q", source.ErrUnknownSource, id)
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %q", source.ErrUnknownSource, id)
	}
	return seq, key, nil
}

func sortedIDs(streams map[string]Stream) []string {
	ids := make([]string, 0, len(streams))
	for id := range streams {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
