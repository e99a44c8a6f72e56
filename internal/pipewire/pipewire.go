//go:build linux && cgo

package pipewire

/*
#cgo pkg-config: libpipewire-0.3
#cgo LDFLAGS: -ldl
#include <pipewire/pipewire.h>
#include <spa/param/video/format-utils.h>
#include <spa/param/audio/format-utils.h>
#include <stdlib.h>
#include <string.h>
#include <dlfcn.h>

// libpipewire is opened at run time so the binary starts without it.
static void (*d_pw_init)(int *argc, char **argv[]);
static struct pw_main_loop * (*d_pw_main_loop_new)(const struct spa_dict *props);
static struct pw_loop * (*d_pw_main_loop_get_loop)(struct pw_main_loop *loop);
static int (*d_pw_main_loop_quit)(struct pw_main_loop *loop);
static int (*d_pw_main_loop_run)(struct pw_main_loop *loop);
static void (*d_pw_main_loop_destroy)(struct pw_main_loop *loop);
static struct pw_context * (*d_pw_context_new)(struct pw_loop *main_loop, struct pw_properties *props, size_t user_data_size);
static void (*d_pw_context_destroy)(struct pw_context *context);
static struct pw_core * (*d_pw_context_connect_fd)(struct pw_context *context, int fd, struct pw_properties *properties, size_t user_data_size);
static struct pw_core * (*d_pw_context_connect)(struct pw_context *context, struct pw_properties *properties, size_t user_data_size);
static int (*d_pw_core_disconnect)(struct pw_core *core);
static struct pw_properties * (*d_pw_properties_new)(const char *key, ...);
static struct pw_stream * (*d_pw_stream_new)(struct pw_core *core, const char *name, struct pw_properties *props);
static void (*d_pw_stream_add_listener)(struct pw_stream *stream, struct spa_hook *listener, const struct pw_stream_events *events, void *data);
static int (*d_pw_stream_connect)(struct pw_stream *stream, enum pw_direction direction, uint32_t target_id, enum pw_stream_flags flags, const struct spa_pod **params, uint32_t n_params);
static struct pw_buffer * (*d_pw_stream_dequeue_buffer)(struct pw_stream *stream);
static int (*d_pw_stream_queue_buffer)(struct pw_stream *stream, struct pw_buffer *buffer);
static void (*d_pw_stream_destroy)(struct pw_stream *stream);

struct pw_symbol {
    const char *name;
    void **fn;
};

static const struct pw_symbol pw_symbols[] = {
    {"pw_init", (void **)&d_pw_init},
    {"pw_main_loop_new", (void **)&d_pw_main_loop_new},
    {"pw_main_loop_get_loop", (void **)&d_pw_main_loop_get_loop},
    {"pw_main_loop_quit", (void **)&d_pw_main_loop_quit},
    {"pw_main_loop_run", (void **)&d_pw_main_loop_run},
    {"pw_main_loop_destroy", (void **)&d_pw_main_loop_destroy},
    {"pw_context_new", (void **)&d_pw_context_new},
    {"pw_context_destroy", (void **)&d_pw_context_destroy},
    {"pw_context_connect_fd", (void **)&d_pw_context_connect_fd},
    {"pw_context_connect", (void **)&d_pw_context_connect},
    {"pw_core_disconnect", (void **)&d_pw_core_disconnect},
    {"pw_properties_new", (void **)&d_pw_properties_new},
    {"pw_stream_new", (void **)&d_pw_stream_new},
    {"pw_stream_add_listener", (void **)&d_pw_stream_add_listener},
    {"pw_stream_connect", (void **)&d_pw_stream_connect},
    {"pw_stream_dequeue_buffer", (void **)&d_pw_stream_dequeue_buffer},
    {"pw_stream_queue_buffer", (void **)&d_pw_stream_queue_buffer},
    {"pw_stream_destroy", (void **)&d_pw_stream_destroy},
};

static void *pw_handle = NULL;

// load_pipewire resolves every symbol or none.
static int load_pipewire(void) {
    if (pw_handle != NULL) return 1;

    pw_handle = dlopen("libpipewire-0.3.so.0", RTLD_NOW);
    if (pw_handle == NULL) pw_handle = dlopen("libpipewire-0.3.so", RTLD_NOW);
    if (pw_handle == NULL) return 0;

    for (size_t i = 0; i < sizeof(pw_symbols) / sizeof(pw_symbols[0]); i++) {
        *pw_symbols[i].fn = dlsym(pw_handle, pw_symbols[i].name);
        if (*pw_symbols[i].fn == NULL) {
            dlclose(pw_handle);
            pw_handle = NULL;
            return 0;
        }
    }
    d_pw_init(NULL, NULL);
    return 1;
}

extern void on_state_changed_go(int id, enum pw_stream_state state, char *error);
extern void on_format_go(int id, uint32_t width, uint32_t height);
extern void on_frame_go(int id, void *data, uint32_t size);

// capture carries one stream's state across the C callbacks. Video frames
// are packed into frame, which holds exactly width*height*4 bytes.
struct sr_capture {
    int id;
    int video;
    uint32_t width, height;
    uint32_t neg_width, neg_height;
    uint8_t *frame;
    struct pw_stream *stream;
    struct spa_hook listener;
};

static void on_state_changed_c(void *userdata, enum pw_stream_state old, enum pw_stream_state state, const char *error) {
    struct sr_capture *c = userdata;
    on_state_changed_go(c->id, state, (char *)error);
}

static void on_param_changed_c(void *userdata, uint32_t id, const struct spa_pod *param) {
    struct sr_capture *c = userdata;
    if (!c->video || param == NULL || id != SPA_PARAM_Format) return;

    struct spa_video_info_raw info;
    spa_zero(info);
    if (spa_format_video_raw_parse(param, &info) < 0) return;
    c->neg_width = info.size.width;
    c->neg_height = info.size.height;
    on_format_go(c->id, info.size.width, info.size.height);
}

// pack copies a negotiated frame into the fixed-size output, cropping or
// zero-padding when the source was resized after the stream opened.
static void pack(struct sr_capture *c, const struct spa_data *d) {
    uint32_t offset = d->chunk->offset % d->maxsize;
    const uint8_t *src = (const uint8_t *)d->data + offset;
    uint32_t avail = d->maxsize - offset;

    uint32_t src_w = c->neg_width ? c->neg_width : c->width;
    uint32_t src_h = c->neg_height ? c->neg_height : c->height;
    uint32_t stride = d->chunk->stride > 0 ? (uint32_t)d->chunk->stride : src_w * 4;
    uint32_t row = (src_w < c->width ? src_w : c->width) * 4;
    uint32_t rows = src_h < c->height ? src_h : c->height;
    uint32_t out_stride = c->width * 4;

    if (src_w != c->width || src_h != c->height) {
        memset(c->frame, 0, (size_t)out_stride * c->height);
    }
    for (uint32_t y = 0; y < rows; y++) {
        if ((uint64_t)y * stride + row > avail) break;
        memcpy(c->frame + (size_t)y * out_stride, src + (size_t)y * stride, row);
    }
    on_frame_go(c->id, c->frame, out_stride * c->height);
}

static void on_process_c(void *userdata) {
    struct sr_capture *c = userdata;
    if (c->stream == NULL) return;

    struct pw_buffer *b = d_pw_stream_dequeue_buffer(c->stream);
    if (b == NULL) return;

    struct spa_data *d = &b->buffer->datas[0];
    if (d->data != NULL && d->chunk != NULL && d->chunk->size > 0 && d->maxsize > 0) {
        if (c->video) {
            pack(c, d);
        } else {
            uint32_t offset = d->chunk->offset % d->maxsize;
            uint32_t size = d->chunk->size;
            if (size > d->maxsize - offset) size = d->maxsize - offset;
            on_frame_go(c->id, (uint8_t *)d->data + offset, size);
        }
    }

    d_pw_stream_queue_buffer(c->stream, b);
}

static const struct pw_stream_events capture_events = {
    PW_VERSION_STREAM_EVENTS,
    .state_changed = on_state_changed_c,
    .param_changed = on_param_changed_c,
    .process = on_process_c,
};

static struct pw_main_loop *new_loop(void) { return d_pw_main_loop_new(NULL); }
static struct pw_context *new_context(struct pw_main_loop *loop) { return d_pw_context_new(d_pw_main_loop_get_loop(loop), NULL, 0); }
static struct pw_core *connect_fd(struct pw_context *ctx, int fd) { return d_pw_context_connect_fd(ctx, fd, NULL, 0); }
static struct pw_core *connect_daemon(struct pw_context *ctx) { return d_pw_context_connect(ctx, NULL, 0); }
static void run_loop(struct pw_main_loop *loop) { d_pw_main_loop_run(loop); }
static void quit_loop(struct pw_main_loop *loop) { d_pw_main_loop_quit(loop); }
static void destroy_stream(struct pw_stream *stream) { d_pw_stream_destroy(stream); }
static void disconnect_core(struct pw_core *core) { d_pw_core_disconnect(core); }
static void destroy_context(struct pw_context *ctx) { d_pw_context_destroy(ctx); }
static void destroy_loop(struct pw_main_loop *loop) { d_pw_main_loop_destroy(loop); }

static struct pw_stream *open_stream(struct pw_core *core, const char *name, struct sr_capture *c) {
    struct pw_properties *props = c->video
        ? d_pw_properties_new(
            PW_KEY_MEDIA_TYPE, "Video",
            PW_KEY_MEDIA_CATEGORY, "Capture",
            PW_KEY_MEDIA_ROLE, "Screen",
            NULL)
        : d_pw_properties_new(
            PW_KEY_MEDIA_TYPE, "Audio",
            PW_KEY_MEDIA_CATEGORY, "Capture",
            PW_KEY_STREAM_CAPTURE_SINK, "true",
            NULL);

    struct pw_stream *stream = d_pw_stream_new(core, name, props);
    if (stream != NULL) {
        c->stream = stream;
        d_pw_stream_add_listener(stream, &c->listener, &capture_events, c);
    }
    return stream;
}

// connect_video offers only 4-byte BGR layouts; the encoder reads bgra.
static int connect_video(struct sr_capture *c, uint32_t node, uint32_t fps) {
    uint8_t buffer[1024];
    struct spa_pod_builder b = SPA_POD_BUILDER_INIT(buffer, sizeof(buffer));

    const struct spa_pod *params[1];
    params[0] = spa_pod_builder_add_object(&b,
        SPA_TYPE_OBJECT_Format, SPA_PARAM_EnumFormat,
        SPA_FORMAT_mediaType, SPA_POD_Id(SPA_MEDIA_TYPE_video),
        SPA_FORMAT_mediaSubtype, SPA_POD_Id(SPA_MEDIA_SUBTYPE_raw),
        SPA_FORMAT_VIDEO_format, SPA_POD_CHOICE_ENUM_Id(3,
            SPA_VIDEO_FORMAT_BGRx,
            SPA_VIDEO_FORMAT_BGRx,
            SPA_VIDEO_FORMAT_BGRA),
        SPA_FORMAT_VIDEO_size, SPA_POD_CHOICE_RANGE_Rectangle(
            &SPA_RECTANGLE(c->width, c->height),
            &SPA_RECTANGLE(1, 1),
            &SPA_RECTANGLE(8192, 8192)),
        SPA_FORMAT_VIDEO_framerate, SPA_POD_CHOICE_RANGE_Fraction(
            &SPA_FRACTION(fps, 1),
            &SPA_FRACTION(0, 1),
            &SPA_FRACTION(1000, 1)));

    return d_pw_stream_connect(c->stream, PW_DIRECTION_INPUT, node,
        PW_STREAM_FLAG_AUTOCONNECT | PW_STREAM_FLAG_MAP_BUFFERS,
        params, 1);
}

static int connect_audio(struct sr_capture *c) {
    uint8_t buffer[1024];
    struct spa_pod_builder b = SPA_POD_BUILDER_INIT(buffer, sizeof(buffer));

    const struct spa_pod *params[1];
    params[0] = spa_pod_builder_add_object(&b,
        SPA_TYPE_OBJECT_Format, SPA_PARAM_EnumFormat,
        SPA_FORMAT_mediaType, SPA_POD_Id(SPA_MEDIA_TYPE_audio),
        SPA_FORMAT_mediaSubtype, SPA_POD_Id(SPA_MEDIA_SUBTYPE_raw),
        SPA_FORMAT_AUDIO_format, SPA_POD_Id(SPA_AUDIO_FORMAT_S16),
        SPA_FORMAT_AUDIO_rate, SPA_POD_Int(48000),
        SPA_FORMAT_AUDIO_channels, SPA_POD_Int(2));

    return d_pw_stream_connect(c->stream, PW_DIRECTION_INPUT, PW_ID_ANY,
        PW_STREAM_FLAG_AUTOCONNECT | PW_STREAM_FLAG_MAP_BUFFERS,
        params, 1);
}
*/
import "C"
import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"unsafe"

	"go2tv.app/screenrec/internal/logging"
)

var (
	ErrLibraryNotLoaded = errors.New("libpipewire-0.3.so.0 could not be loaded")
	ErrStreamFailed     = errors.New("pipewire stream failed")
)

const (
	videoStreamName = "screenrec-capture"
	audioStreamName = "screenrec-audio-capture"
)

// Stream is one PipeWire capture stream running its own main loop. Read
// yields the captured bytes in order; for video every width*height*4 bytes
// is one packed BGRx frame.
type Stream struct {
	loop    *C.struct_pw_main_loop
	context *C.struct_pw_context
	core    *C.struct_pw_core
	c       *C.struct_sr_capture

	id  int
	log *slog.Logger
	pr  *io.PipeReader
	pw  *io.PipeWriter

	errMu sync.Mutex
	err   error

	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

var (
	registryMu sync.Mutex
	registry   = make(map[int]*Stream)
	lastID     int

	loadOnce sync.Once
	loaded   bool
)

// IsAvailable reports whether the PipeWire client library can be loaded.
func IsAvailable() bool {
	loadOnce.Do(func() {
		loaded = C.load_pipewire() == 1
	})
	return loaded
}

func newStream(video bool) (*Stream, error) {
	if !IsAvailable() {
		return nil, ErrLibraryNotLoaded
	}

	pr, pw := io.Pipe()
	s := &Stream{pr: pr, pw: pw}

	registryMu.Lock()
	lastID++
	s.id = lastID
	registryMu.Unlock()

	kind := "audio"
	if video {
		kind = "video"
	}
	s.log = logging.GetLogger("pipewire").With("stream", s.id, "kind", kind)

	s.c = (*C.struct_sr_capture)(C.calloc(1, C.sizeof_struct_sr_capture))
	s.c.id = C.int(s.id)
	if video {
		s.c.video = 1
	}

	if s.loop = C.new_loop(); s.loop == nil {
		return s, errors.New("failed to create main loop")
	}
	if s.context = C.new_context(s.loop); s.context == nil {
		return s, errors.New("failed to create context")
	}
	return s, nil
}

func (s *Stream) open(name string) error {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	if C.open_stream(s.core, cname, s.c) == nil {
		return fmt.Errorf("failed to create stream %s", name)
	}
	return nil
}

func (s *Stream) register() {
	registryMu.Lock()
	registry[s.id] = s
	registryMu.Unlock()
}

// NewStream connects to the PipeWire remote behind fd and captures the video
// node nodeID at width x height. The caller keeps ownership of fd.
func NewStream(fd int, nodeID, width, height, frameRate uint32) (*Stream, error) {
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	s, err := newStream(true)
	if err != nil {
		return nil, closeWith(s, err)
	}
	s.c.width = C.uint32_t(width)
	s.c.height = C.uint32_t(height)
	s.c.frame = (*C.uint8_t)(C.calloc(C.size_t(width)*C.size_t(height), 4))

	// pw_context_connect_fd takes ownership of the descriptor it is given.
	dupFd, err := syscall.Dup(fd)
	if err != nil {
		return nil, closeWith(s, fmt.Errorf("dup fd: %w", err))
	}
	if s.core = C.connect_fd(s.context, C.int(dupFd)); s.core == nil {
		_ = syscall.Close(dupFd)
		return nil, closeWith(s, errors.New("failed to connect to the portal remote"))
	}

	if err := s.open(videoStreamName); err != nil {
		return nil, closeWith(s, err)
	}
	if frameRate == 0 {
		frameRate = 30
	}
	if res := C.connect_video(s.c, C.uint32_t(nodeID), C.uint32_t(frameRate)); res < 0 {
		return nil, closeWith(s, fmt.Errorf("failed to connect video node %d: %d", nodeID, int(res)))
	}

	s.register()
	return s, nil
}

// NewAudioStream captures the default sink monitor of the local PipeWire
// daemon as s16le 48kHz stereo.
func NewAudioStream() (*Stream, error) {
	s, err := newStream(false)
	if err != nil {
		return nil, closeWith(s, err)
	}

	if s.core = C.connect_daemon(s.context); s.core == nil {
		return nil, closeWith(s, errors.New("failed to connect to pipewire daemon"))
	}
	if err := s.open(audioStreamName); err != nil {
		return nil, closeWith(s, err)
	}
	if res := C.connect_audio(s.c); res < 0 {
		return nil, closeWith(s, fmt.Errorf("failed to connect audio stream: %d", int(res)))
	}

	s.register()
	return s, nil
}

func closeWith(s *Stream, err error) error {
	if s != nil {
		_ = s.Close()
	}
	return err
}

// Start runs the stream's main loop in the background.
func (s *Stream) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			C.run_loop(s.loop)
		}()
	})
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

// Err returns the error PipeWire reported for the stream, if any.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Stream) fail(msg string) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = fmt.Errorf("%w: %s", ErrStreamFailed, msg)
	}
	err := s.err
	s.errMu.Unlock()
	s.log.Warn("stream error", "error", msg)
	_ = s.pw.CloseWithError(err)
}

// Close stops the loop and frees the stream. Readers get io.EOF.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		// A frame callback may be blocked writing to the pipe; closing the
		// read side releases it so the loop can quit.
		err := s.pr.Close()
		if s.loop != nil {
			C.quit_loop(s.loop)
		}
		s.wg.Wait()
		err = errors.Join(err, s.pw.Close())

		registryMu.Lock()
		delete(registry, s.id)
		registryMu.Unlock()

		if s.c != nil {
			if s.c.stream != nil {
				C.destroy_stream(s.c.stream)
			}
			C.free(unsafe.Pointer(s.c.frame))
			C.free(unsafe.Pointer(s.c))
			s.c = nil
		}
		if s.core != nil {
			C.disconnect_core(s.core)
			s.core = nil
		}
		if s.context != nil {
			C.destroy_context(s.context)
			s.context = nil
		}
		if s.loop != nil {
			C.destroy_loop(s.loop)
			s.loop = nil
		}
		s.closeErr = err
	})
	return s.closeErr
}

func lookup(id C.int) (*Stream, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	s, ok := registry[int(id)]
	return s, ok
}

//export on_state_changed_go
func on_state_changed_go(id C.int, state C.enum_pw_stream_state, error *C.char) {
	s, ok := lookup(id)
	if !ok {
		return
	}
	if state != C.PW_STREAM_STATE_ERROR {
		s.log.Debug("stream state", "state", int(state))
		return
	}
	msg := "unknown error"
	if error != nil {
		msg = C.GoString(error)
	}
	s.fail(msg)
}

//export on_format_go
func on_format_go(id C.int, width, height C.uint32_t) {
	s, ok := lookup(id)
	if !ok {
		return
	}
	if width != s.c.width || height != s.c.height {
		s.log.Info("negotiated size differs, frames are cropped or padded",
			"negotiated", fmt.Sprintf("%dx%d", width, height),
			"output", fmt.Sprintf("%dx%d", s.c.width, s.c.height))
	}
}

//export on_frame_go
func on_frame_go(id C.int, data unsafe.Pointer, size C.uint32_t) {
	s, ok := lookup(id)
	if !ok {
		return
	}
	_, _ = s.pw.Write(unsafe.Slice((*byte)(data), int(size)))
}
