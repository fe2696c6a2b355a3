//go:build linux

package encode

/*
#cgo pkg-config: libavcodec libavutil
#include <libavcodec/avcodec.h>
#include <libavcodec/bsf.h>
#include <libavutil/hwcontext.h>
#include <libavutil/opt.h>
#include <stdlib.h>
#include <string.h>

// ---------------------------------------------------------------------------
// H.265 encoder around libavcodec. Tries hardware codecs first, software
// libx265 last. All-intra (gop_size=1, forced IDR), no B-frames, VBR with
// peak 1.5x and a one-second VBV, HEVC Main, low delay.
// ---------------------------------------------------------------------------

typedef struct {
	AVCodecContext *ctx;
	const AVCodec *codec;
	AVFrame *frame;     // software frame (NV12 or YUV420P)
	AVFrame *hw_frame;  // VA-API surface when hw upload is used
	AVPacket *pkt;
	AVPacket *bsf_pkt;
	AVBSFContext *bsf;
	AVBufferRef *hw_device_ctx;
	int is_vaapi;
	int width;
	int height;
	int64_t pts;
} FFEncoder;

static void ff_encoder_destroy(FFEncoder *e) {
	if (!e) return;
	if (e->bsf) av_bsf_free(&e->bsf);
	if (e->bsf_pkt) av_packet_free(&e->bsf_pkt);
	if (e->pkt) av_packet_free(&e->pkt);
	if (e->hw_frame) av_frame_free(&e->hw_frame);
	if (e->frame) av_frame_free(&e->frame);
	if (e->ctx) avcodec_free_context(&e->ctx);
	if (e->hw_device_ctx) av_buffer_unref(&e->hw_device_ctx);
	free(e);
}

static FFEncoder* ff_encoder_init(int width, int height, int fps,
                                  int bitrate_mbps, const char *name) {
	FFEncoder *e = (FFEncoder*)calloc(1, sizeof(FFEncoder));
	if (!e) return NULL;

	e->width = width;
	e->height = height;

	e->codec = avcodec_find_encoder_by_name(name);
	if (!e->codec) { free(e); return NULL; }

	e->ctx = avcodec_alloc_context3(e->codec);
	if (!e->ctx) { free(e); return NULL; }

	int is_vaapi = (strcmp(name, "hevc_vaapi") == 0);
	int is_nvenc = (strcmp(name, "hevc_nvenc") == 0);
	int is_qsv   = (strcmp(name, "hevc_qsv") == 0);
	e->is_vaapi = is_vaapi;

	e->ctx->width = width;
	e->ctx->height = height;
	e->ctx->time_base = (AVRational){1, fps};
	e->ctx->framerate = (AVRational){fps, 1};

	e->ctx->bit_rate       = (int64_t)bitrate_mbps * 1000000LL;
	e->ctx->rc_max_rate    = (int64_t)bitrate_mbps * 1500000LL;
	e->ctx->rc_buffer_size = bitrate_mbps * 1000000;

	e->ctx->gop_size = 1;
	e->ctx->max_b_frames = 0;
	e->ctx->flags |= AV_CODEC_FLAG_LOW_DELAY;
	e->ctx->flags &= ~AV_CODEC_FLAG_GLOBAL_HEADER; // in-stream parameter sets
	e->ctx->profile = FF_PROFILE_HEVC_MAIN;
	e->ctx->thread_count = 1;

	if (is_vaapi) {
		if (av_hwdevice_ctx_create(&e->hw_device_ctx, AV_HWDEVICE_TYPE_VAAPI,
		                           "/dev/dri/renderD128", NULL, 0) < 0) {
			ff_encoder_destroy(e);
			return NULL;
		}
		e->ctx->pix_fmt = AV_PIX_FMT_VAAPI;

		AVBufferRef *frames_ref = av_hwframe_ctx_alloc(e->hw_device_ctx);
		if (!frames_ref) { ff_encoder_destroy(e); return NULL; }
		AVHWFramesContext *fc = (AVHWFramesContext*)frames_ref->data;
		fc->format    = AV_PIX_FMT_VAAPI;
		fc->sw_format = AV_PIX_FMT_NV12;
		fc->width     = width;
		fc->height    = height;
		fc->initial_pool_size = 4;
		if (av_hwframe_ctx_init(frames_ref) < 0) {
			av_buffer_unref(&frames_ref);
			ff_encoder_destroy(e);
			return NULL;
		}
		e->ctx->hw_frames_ctx = frames_ref;
		av_opt_set(e->ctx->priv_data, "rc_mode", "VBR", 0);
	} else if (is_nvenc) {
		e->ctx->pix_fmt = AV_PIX_FMT_NV12;
		av_opt_set(e->ctx->priv_data, "preset", "p1", 0);
		av_opt_set(e->ctx->priv_data, "tune", "ull", 0);
		av_opt_set(e->ctx->priv_data, "rc", "vbr", 0);
		av_opt_set(e->ctx->priv_data, "forced-idr", "1", 0);
	} else if (is_qsv) {
		e->ctx->pix_fmt = AV_PIX_FMT_NV12;
		av_opt_set(e->ctx->priv_data, "preset", "veryfast", 0);
		av_opt_set(e->ctx->priv_data, "forced_idr", "1", 0);
	} else {
		e->ctx->pix_fmt = AV_PIX_FMT_YUV420P;
		av_opt_set(e->ctx->priv_data, "preset", "ultrafast", 0);
		av_opt_set(e->ctx->priv_data, "tune", "zerolatency", 0);
		av_opt_set(e->ctx->priv_data, "x265-params",
		           "keyint=1:min-keyint=1:bframes=0:repeat-headers=1", 0);
	}

	if (avcodec_open2(e->ctx, e->codec, NULL) < 0) {
		ff_encoder_destroy(e);
		return NULL;
	}

	e->frame = av_frame_alloc();
	if (!e->frame) { ff_encoder_destroy(e); return NULL; }
	e->frame->format = is_vaapi ? AV_PIX_FMT_NV12 : e->ctx->pix_fmt;
	e->frame->width = width;
	e->frame->height = height;
	if (av_frame_get_buffer(e->frame, 32) < 0) {
		ff_encoder_destroy(e);
		return NULL;
	}

	if (is_vaapi) {
		e->hw_frame = av_frame_alloc();
		if (!e->hw_frame ||
		    av_hwframe_get_buffer(e->ctx->hw_frames_ctx, e->hw_frame, 0) < 0) {
			ff_encoder_destroy(e);
			return NULL;
		}
	}

	e->pkt = av_packet_alloc();
	if (!e->pkt) { ff_encoder_destroy(e); return NULL; }

	// NVENC/QSV may emit length-prefixed NAL units; normalize to Annex-B.
	if (is_nvenc || is_qsv) {
		const AVBitStreamFilter *f = av_bsf_get_by_name("hevc_mp4toannexb");
		if (f && av_bsf_alloc(f, &e->bsf) >= 0) {
			avcodec_parameters_from_context(e->bsf->par_in, e->ctx);
			e->bsf->time_base_in = e->ctx->time_base;
			if (av_bsf_init(e->bsf) < 0) {
				av_bsf_free(&e->bsf);
				e->bsf = NULL;
			} else {
				e->bsf_pkt = av_packet_alloc();
			}
		}
	}

	return e;
}

// BT.601 limited-range BGRA to NV12; chroma is 2x2 box-averaged.
static void ff_bgra_to_nv12(const uint8_t *bgra, int width, int height, int stride,
                            uint8_t *y_plane, int y_ls,
                            uint8_t *uv_plane, int uv_ls) {
	for (int y = 0; y < height; y++) {
		const uint8_t *row = bgra + y * stride;
		uint8_t *yrow = y_plane + y * y_ls;
		for (int x = 0; x < width; x++) {
			int b = row[x*4+0], g = row[x*4+1], r = row[x*4+2];
			int v = ((66*r + 129*g + 25*b + 128) >> 8) + 16;
			yrow[x] = (uint8_t)(v < 0 ? 0 : (v > 255 ? 255 : v));
		}
	}
	for (int y = 0; y < height/2; y++) {
		const uint8_t *row0 = bgra + (y*2) * stride;
		const uint8_t *row1 = bgra + (y*2+1) * stride;
		uint8_t *uvrow = uv_plane + y * uv_ls;
		for (int x = 0; x < width/2; x++) {
			int b = 0, g = 0, r = 0;
			for (int dy = 0; dy < 2; dy++) {
				const uint8_t *src = dy == 0 ? row0 : row1;
				for (int dx = 0; dx < 2; dx++) {
					int px = (x*2+dx)*4;
					b += src[px+0]; g += src[px+1]; r += src[px+2];
				}
			}
			b /= 4; g /= 4; r /= 4;
			int u = ((-38*r - 74*g + 112*b + 128) >> 8) + 128;
			int v = ((112*r - 94*g - 18*b + 128) >> 8) + 128;
			uvrow[x*2+0] = (uint8_t)(u < 0 ? 0 : (u > 255 ? 255 : u));
			uvrow[x*2+1] = (uint8_t)(v < 0 ? 0 : (v > 255 ? 255 : v));
		}
	}
}

static void ff_bgra_to_yuv420p(const uint8_t *bgra, int width, int height, int stride,
                               uint8_t *y_plane, int y_ls,
                               uint8_t *u_plane, int u_ls,
                               uint8_t *v_plane, int v_ls) {
	for (int y = 0; y < height; y++) {
		const uint8_t *row = bgra + y * stride;
		uint8_t *yrow = y_plane + y * y_ls;
		for (int x = 0; x < width; x++) {
			int b = row[x*4+0], g = row[x*4+1], r = row[x*4+2];
			int v = ((66*r + 129*g + 25*b + 128) >> 8) + 16;
			yrow[x] = (uint8_t)(v < 0 ? 0 : (v > 255 ? 255 : v));
		}
	}
	for (int y = 0; y < height/2; y++) {
		const uint8_t *row0 = bgra + (y*2) * stride;
		const uint8_t *row1 = bgra + (y*2+1) * stride;
		uint8_t *urow = u_plane + y * u_ls;
		uint8_t *vrow = v_plane + y * v_ls;
		for (int x = 0; x < width/2; x++) {
			int b = 0, g = 0, r = 0;
			for (int dy = 0; dy < 2; dy++) {
				const uint8_t *src = dy == 0 ? row0 : row1;
				for (int dx = 0; dx < 2; dx++) {
					int px = (x*2+dx)*4;
					b += src[px+0]; g += src[px+1]; r += src[px+2];
				}
			}
			b /= 4; g /= 4; r /= 4;
			int u = ((-38*r - 74*g + 112*b + 128) >> 8) + 128;
			int v = ((112*r - 94*g - 18*b + 128) >> 8) + 128;
			urow[x] = (uint8_t)(u < 0 ? 0 : (u > 255 ? 255 : u));
			vrow[x] = (uint8_t)(v < 0 ? 0 : (v > 255 ? 255 : v));
		}
	}
}

// ff_encoder_encode submits one BGRA frame and receives its packet.
// Returns 0 with *out/*out_size set (packet memory owned by the encoder
// until ff_encoder_unref), 1 when the codec buffered the frame (EAGAIN),
// negative on error.
static int ff_encoder_encode(FFEncoder *e, const uint8_t *bgra, int stride,
                             uint8_t **out, int *out_size) {
	*out_size = 0;

	if (av_frame_make_writable(e->frame) < 0) return -1;

	if (e->frame->format == AV_PIX_FMT_NV12) {
		ff_bgra_to_nv12(bgra, e->width, e->height, stride,
		                e->frame->data[0], e->frame->linesize[0],
		                e->frame->data[1], e->frame->linesize[1]);
	} else {
		ff_bgra_to_yuv420p(bgra, e->width, e->height, stride,
		                   e->frame->data[0], e->frame->linesize[0],
		                   e->frame->data[1], e->frame->linesize[1],
		                   e->frame->data[2], e->frame->linesize[2]);
	}

	AVFrame *submit = e->frame;
	if (e->is_vaapi) {
		if (av_hwframe_transfer_data(e->hw_frame, e->frame, 0) < 0) return -2;
		submit = e->hw_frame;
	}

	submit->pts = e->pts++;
	submit->pict_type = AV_PICTURE_TYPE_I; // force IDR

	if (avcodec_send_frame(e->ctx, submit) < 0) return -2;

	int ret = avcodec_receive_packet(e->ctx, e->pkt);
	if (ret == AVERROR(EAGAIN) || ret == AVERROR_EOF) return 1;
	if (ret < 0) return -1;

	if (e->bsf) {
		if (av_bsf_send_packet(e->bsf, e->pkt) >= 0 &&
		    av_bsf_receive_packet(e->bsf, e->bsf_pkt) >= 0) {
			*out = e->bsf_pkt->data;
			*out_size = e->bsf_pkt->size;
			return 0;
		}
		// BSF hiccup: fall through with the raw packet.
	}

	*out = e->pkt->data;
	*out_size = e->pkt->size;
	return 0;
}

static void ff_encoder_unref(FFEncoder *e) {
	if (e->bsf_pkt) av_packet_unref(e->bsf_pkt);
	av_packet_unref(e->pkt);
}

// ff_encoder_drain pulls one buffered packet; 0 = got one, 1 = dry.
static int ff_encoder_drain(FFEncoder *e, uint8_t **out, int *out_size) {
	*out_size = 0;
	int ret = avcodec_receive_packet(e->ctx, e->pkt);
	if (ret == AVERROR(EAGAIN) || ret == AVERROR_EOF) return 1;
	if (ret < 0) return 1;
	*out = e->pkt->data;
	*out_size = e->pkt->size;
	return 0;
}

static void ff_encoder_set_bitrate(FFEncoder *e, int bitrate_mbps) {
	e->ctx->bit_rate       = (int64_t)bitrate_mbps * 1000000LL;
	e->ctx->rc_max_rate    = (int64_t)bitrate_mbps * 1500000LL;
	e->ctx->rc_buffer_size = bitrate_mbps * 1000000;
}

static const char* ff_encoder_codec_name(FFEncoder *e) {
	return e->codec->name;
}
*/
import "C"
import (
	"fmt"
	"log"
	"sync"
	"unsafe"

	"sidescreen/internal/types"
)

// ffEncoder is the portable libavcodec backend: hardware codecs first,
// software libx265 as last resort.
type ffEncoder struct {
	sink outputSink

	mu        sync.Mutex
	c         *C.FFEncoder
	codecName string
	width     int
	height    int
	fps       int
	bitrate   int
	reinited  bool
}

var ffCodecOrder = []string{"hevc_vaapi", "hevc_nvenc", "hevc_qsv", "libx265"}

func newFFmpeg(width, height, fps, bitrateMbps int) (types.VideoEncoder, error) {
	for _, name := range ffCodecOrder {
		cname := C.CString(name)
		e := C.ff_encoder_init(C.int(width), C.int(height), C.int(fps),
			C.int(bitrateMbps), cname)
		C.free(unsafe.Pointer(cname))
		if e == nil {
			log.Printf("encode: ffmpeg codec %s unavailable", name)
			continue
		}
		log.Printf("encode: ffmpeg initialized %s (%dx%d @ %d fps, %d Mbps, all-intra)",
			name, width, height, fps, bitrateMbps)
		return &ffEncoder{
			c:         e,
			codecName: name,
			width:     width,
			height:    height,
			fps:       fps,
			bitrate:   bitrateMbps,
		}, nil
	}
	return nil, fmt.Errorf("no H.265 codec in libavcodec")
}

func (e *ffEncoder) Encode(frame *types.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c == nil {
		return fmt.Errorf("encoder closed")
	}

	data := frame.Bytes()
	var out *C.uint8_t
	var outSize C.int

	ret := C.ff_encoder_encode(e.c, (*C.uint8_t)(unsafe.Pointer(&data[0])),
		C.int(frame.Stride), &out, &outSize)
	if ret == -2 && !e.reinited {
		// Backend loss gets one silent re-init before the failure
		// propagates.
		e.reinited = true
		if e.reinitLocked() {
			ret = C.ff_encoder_encode(e.c, (*C.uint8_t)(unsafe.Pointer(&data[0])),
				C.int(frame.Stride), &out, &outSize)
		}
	}
	if ret < 0 {
		return fmt.Errorf("ffmpeg encode failed (%d)", int(ret))
	}
	if ret == 1 || outSize == 0 {
		// Codec buffered the frame; Flush will drain it.
		return nil
	}

	au := C.GoBytes(unsafe.Pointer(out), outSize)
	C.ff_encoder_unref(e.c)
	e.sink.deliver(au, frame.TimestampNs)

	// Hardware codecs occasionally hold a frame and then emit two; drain
	// so pipelined output never lags a full frame behind.
	for {
		if C.ff_encoder_drain(e.c, &out, &outSize) != 0 {
			break
		}
		au = C.GoBytes(unsafe.Pointer(out), outSize)
		C.ff_encoder_unref(e.c)
		e.sink.deliver(au, frame.TimestampNs)
	}
	return nil
}

func (e *ffEncoder) reinitLocked() bool {
	C.ff_encoder_destroy(e.c)
	e.c = nil

	cname := C.CString(e.codecName)
	defer C.free(unsafe.Pointer(cname))
	c := C.ff_encoder_init(C.int(e.width), C.int(e.height), C.int(e.fps),
		C.int(e.bitrate), cname)
	if c == nil {
		log.Printf("encode: ffmpeg re-init of %s failed", e.codecName)
		return false
	}
	log.Printf("encode: ffmpeg re-initialized %s after backend loss", e.codecName)
	e.c = c
	return true
}

func (e *ffEncoder) UpdateSettings(bitrateMbps int, quality float64, gamingBoost bool) {
	bitrateMbps, quality = EffectiveSettings(bitrateMbps, quality, gamingBoost)
	_ = quality // rate control is bitrate-driven on this backend

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c == nil {
		return
	}
	e.bitrate = bitrateMbps
	C.ff_encoder_set_bitrate(e.c, C.int(bitrateMbps))
	log.Printf("encode: ffmpeg bitrate updated to %d Mbps", bitrateMbps)
}

// Flush drains any buffered packet so Stop loses nothing. Synchronous
// all-intra codecs rarely buffer, but hardware ones may hold one frame.
func (e *ffEncoder) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c == nil {
		return
	}
	for {
		var out *C.uint8_t
		var outSize C.int
		if C.ff_encoder_drain(e.c, &out, &outSize) != 0 {
			return
		}
		au := C.GoBytes(unsafe.Pointer(out), outSize)
		C.ff_encoder_unref(e.c)
		e.sink.deliver(au, 0)
	}
}

func (e *ffEncoder) Name() string {
	return "FFmpeg (" + e.codecName + ")"
}

func (e *ffEncoder) SetOutputCallback(cb types.OutputCallback) { e.sink.set(cb) }

func (e *ffEncoder) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c != nil {
		C.ff_encoder_destroy(e.c)
		e.c = nil
	}
}
