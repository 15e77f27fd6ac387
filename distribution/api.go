package distribution

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zsiec/rawingest/demux"
	"github.com/zsiec/rawingest/ingest"
	"github.com/zsiec/rawingest/media"
	"github.com/zsiec/rawingest/negotiate"
	"github.com/zsiec/rawingest/source"
	"github.com/zsiec/rawingest/stream"
)

// maxPushBody bounds a single pushed frame.
const maxPushBody = 8 << 20

// CreateRequest is the JSON body of POST /api/ingest.
type CreateRequest struct {
	Vhost    string  `json:"vhost"`
	App      string  `json:"app" binding:"required"`
	Stream   string  `json:"stream" binding:"required"`
	Duration float64 `json:"duration"` // seconds, 0 for live
	HLS      bool    `json:"hls"`
	MP4      bool    `json:"mp4"`
}

// CreateResponse is returned by POST /api/ingest.
type CreateResponse struct {
	Handle uint64     `json:"handle"`
	Key    source.Key `json:"key"`
}

// TrackRequest is the JSON body of POST /api/ingest/:handle/tracks.
type TrackRequest struct {
	Kind       string  `json:"kind" binding:"required"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	FPS        float64 `json:"fps"`
	Channels   int     `json:"channels"`
	SampleBits int     `json:"sampleBits"`
	SampleRate int     `json:"sampleRate"`
	Profile    int     `json:"profile"`
}

// SourceListResponse is returned by GET /api/sources.
type SourceListResponse struct {
	Sources []source.Info `json:"sources"`
	Total   int           `json:"total"`
}

// HandleInfo pairs a producer handle with its source.
type HandleInfo struct {
	Handle uint64      `json:"handle"`
	Source source.Info `json:"source"`
}

func abortError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
}

// statusFor maps core errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, stream.ErrUnknownHandle),
		errors.Is(err, ingest.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, source.ErrReleased),
		errors.Is(err, source.ErrNotReady),
		errors.Is(err, source.ErrClosing),
		errors.Is(err, source.ErrAlreadyAttached),
		errors.Is(err, ingest.ErrCloseRefused),
		errors.Is(err, ingest.ErrDuplicate),
		errors.Is(err, negotiate.ErrFinalized),
		errors.Is(err, negotiate.ErrDuplicateKind),
		errors.Is(err, source.ErrTimestampRegression):
		return http.StatusConflict
	case errors.Is(err, media.ErrInvalidTrack),
		errors.Is(err, source.ErrUnknownTrack),
		errors.Is(err, source.ErrEmptyPayload),
		errors.Is(err, source.ErrHeaderMode),
		errors.Is(err, demux.ErrInvalidADTS):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func paramKey(c *gin.Context) source.Key {
	return source.NewKey(c.Param("vhost"), c.Param("app"), c.Param("stream"))
}

func (s *Server) handleListSources(c *gin.Context) {
	infos := s.config.Registry.Snapshot()
	c.JSON(http.StatusOK, SourceListResponse{Sources: infos, Total: len(infos)})
}

func (s *Server) handleGetSource(c *gin.Context) {
	key := paramKey(c)
	src, ok := s.config.Registry.Get(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "source not found"})
		return
	}
	c.JSON(http.StatusOK, src.Info())
}

func (s *Server) handleCloseSource(c *gin.Context) {
	key := paramKey(c)
	if err := s.config.Registry.Close(key, source.ReasonAdmin); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "close requested", "key": key})
}

// watch attaches a queued consumer to the source under the request's key and
// streams whatever next returns until the client goes away or the source
// stops. The response is a raw elementary stream.
func (s *Server) watch(c *gin.Context, contentType func(*source.Source) string, next func(ctx context.Context, q *QueueConsumer) ([]byte, error)) {
	key := paramKey(c)
	src, ok := s.config.Registry.Get(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "source not found"})
		return
	}
	ctype := contentType(src)

	q := NewQueueConsumer(WithQueueMetrics(s.config.Metrics))
	if err := src.Attach(q); err != nil {
		abortError(c, err)
		return
	}
	defer func() {
		q.Close()
		if _, err := src.Detach(q.ID()); err != nil && !errors.Is(err, source.ErrReleased) {
			s.log.Warn("detach failed", "key", key.String(), "consumer", q.ID(), "error", err)
		}
	}()

	// A closing source ends the stream once the queue is drained; a client
	// that goes away ends it immediately.
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		select {
		case <-src.Closed():
			q.Close()
		case <-ctx.Done():
		}
	}()

	s.log.Info("watcher attached", "key", key.String(), "consumer", q.ID(), "type", ctype)
	c.Header("Content-Type", ctype)
	c.Header("Cache-Control", "no-cache, no-store")
	c.Header("X-Consumer-Id", q.ID())
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	for {
		data, err := next(ctx, q)
		if err != nil {
			break
		}
		if _, err := c.Writer.Write(data); err != nil {
			break
		}
		c.Writer.Flush()
	}
	s.log.Info("watcher detached", "key", key.String(), "consumer", q.ID(), "stats", q.Stats())
}

func (s *Server) handleWatchVideo(c *gin.Context) {
	s.watch(c, videoContentType, func(ctx context.Context, q *QueueConsumer) ([]byte, error) {
		f, err := q.NextVideo(ctx)
		if err != nil {
			return nil, err
		}
		return annexBWithParams(f), nil
	})
}

func (s *Server) handleWatchAudio(c *gin.Context) {
	s.watch(c, func(*source.Source) string { return "audio/aac" }, func(ctx context.Context, q *QueueConsumer) ([]byte, error) {
		f, err := q.NextAudio(ctx)
		if err != nil {
			return nil, err
		}
		return f.ADTS(), nil
	})
}

func videoContentType(src *source.Source) string {
	for _, t := range src.Tracks() {
		if t.Kind == media.KindH265 {
			return "video/h265"
		}
	}
	return "video/h264"
}

// annexBWithParams prefixes key frames with the cached parameter sets when
// the access unit does not carry them itself, so the stream is decodable
// from any key frame.
func annexBWithParams(f *media.VideoFrame) []byte {
	if !f.IsKeyframe || f.SPS == nil || demux.HasParameterSets(f.Codec, f.NALUs) {
		return f.AnnexB()
	}
	var out []byte
	for _, ps := range [][]byte{f.VPS, f.SPS, f.PPS} {
		if ps != nil {
			out = append(out, media.StartCode()...)
			out = append(out, ps...)
		}
	}
	return append(out, f.AnnexB()...)
}

func (s *Server) parseHandle(c *gin.Context) (stream.Handle, bool) {
	h, err := strconv.ParseUint(c.Param("handle"), 10, 64)
	if err != nil || h == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid handle"})
		return 0, false
	}
	return stream.Handle(h), true
}

func (s *Server) handleCreate(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Duration < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "duration must not be negative"})
		return
	}

	h, err := s.config.Streams.Create(stream.CreateRequest{
		Vhost:    req.Vhost,
		App:      req.App,
		Stream:   req.Stream,
		Duration: time.Duration(req.Duration * float64(time.Second)),
		HLS:      req.HLS,
		MP4:      req.MP4,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	src, err := s.adoptHandle(h)
	if err != nil {
		s.log.Error("handle lost after create", "handle", uint64(h), "error", err)
		if rerr := s.config.Streams.Release(h); rerr != nil && !errors.Is(rerr, stream.ErrUnknownHandle) {
			s.log.Warn("release after failed create", "handle", uint64(h), "error", rerr)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, CreateResponse{Handle: uint64(h), Key: src.Key()})
}

// adoptHandle installs the close handler for an HTTP producer and returns
// its source. HTTP producers cannot receive a callback, so the handler only
// logs; they observe the closing state through GET /api/ingest/:handle and
// answer with DELETE.
func (s *Server) adoptHandle(h stream.Handle) (*source.Source, error) {
	err := s.config.Streams.SetOnClose(h, func(h stream.Handle, reason source.CloseReason) {
		s.log.Info("HTTP producer source closing, awaiting release", "handle", uint64(h), "reason", reason)
	})
	if err != nil {
		return nil, err
	}
	return s.config.Streams.Source(h)
}

func (s *Server) handleListHandles(c *gin.Context) {
	handles := s.config.Streams.Handles()
	out := make([]HandleInfo, 0, len(handles))
	for _, h := range handles {
		src, err := s.config.Streams.Source(h)
		if err != nil {
			continue
		}
		out = append(out, HandleInfo{Handle: uint64(h), Source: src.Info()})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetHandle(c *gin.Context) {
	h, ok := s.parseHandle(c)
	if !ok {
		return
	}
	src, err := s.config.Streams.Source(h)
	if err != nil {
		abortError(c, err)
		return
	}
	src.Poll()
	c.JSON(http.StatusOK, HandleInfo{Handle: uint64(h), Source: src.Info()})
}

func (s *Server) handleDeclare(c *gin.Context) {
	h, ok := s.parseHandle(c)
	if !ok {
		return
	}
	var req TrackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kind, ok := media.ParseKind(req.Kind)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown track kind " + strconv.Quote(req.Kind)})
		return
	}

	var err error
	switch kind {
	case media.KindH264:
		err = s.config.Streams.DeclareH264(h, req.Width, req.Height, req.FPS)
	case media.KindH265:
		err = s.config.Streams.DeclareH265(h, req.Width, req.Height, req.FPS)
	case media.KindAAC:
		bits := req.SampleBits
		if bits == 0 {
			bits = media.SupportedSampleBits
		}
		err = s.config.Streams.DeclareAAC(h, req.Channels, bits, req.SampleRate, req.Profile)
	}
	if err != nil {
		abortError(c, err)
		return
	}
	s.respondState(c, h, http.StatusCreated)
}

func (s *Server) handleComplete(c *gin.Context) {
	h, ok := s.parseHandle(c)
	if !ok {
		return
	}
	if err := s.config.Streams.InitComplete(h); err != nil {
		abortError(c, err)
		return
	}
	s.respondState(c, h, http.StatusOK)
}

func (s *Server) respondState(c *gin.Context, h stream.Handle, code int) {
	src, err := s.config.Streams.Source(h)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(code, gin.H{"handle": uint64(h), "state": src.State().String()})
}

func queryInt64(c *gin.Context, name string, def int64) (int64, bool) {
	v := c.Query(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return n, true
}

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPushBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	if len(body) > maxPushBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "frame too large"})
		return nil, false
	}
	return body, true
}

// handlePushVideo accepts one access unit as the raw request body.
// Query: codec (h264|h265, default h264), dts, pts (ms; pts defaults to dts).
func (s *Server) handlePushVideo(c *gin.Context) {
	h, ok := s.parseHandle(c)
	if !ok {
		return
	}
	kind := media.KindH264
	if v := c.Query("codec"); v != "" {
		var known bool
		if kind, known = media.ParseKind(v); !known || !kind.IsVideo() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid codec"})
			return
		}
	}
	dts, ok := queryInt64(c, "dts", 0)
	if !ok {
		return
	}
	pts, ok := queryInt64(c, "pts", dts)
	if !ok {
		return
	}
	body, ok := readBody(c)
	if !ok {
		return
	}

	var err error
	if kind == media.KindH265 {
		err = s.config.Streams.InputH265(h, body, dts, pts)
	} else {
		err = s.config.Streams.InputH264(h, body, dts, pts)
	}
	if err != nil {
		abortError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handlePushAudio accepts one AAC frame as the raw request body.
// Query: dts (ms), adts=true when the body starts with an ADTS header, or
// header=<hex> to supply the header separately.
func (s *Server) handlePushAudio(c *gin.Context) {
	h, ok := s.parseHandle(c)
	if !ok {
		return
	}
	dts, ok := queryInt64(c, "dts", 0)
	if !ok {
		return
	}
	body, ok := readBody(c)
	if !ok {
		return
	}

	var err error
	if hdr := c.Query("header"); hdr != "" {
		adts, decErr := hex.DecodeString(hdr)
		if decErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "header must be hex"})
			return
		}
		err = s.config.Streams.InputAACWithHeader(h, body, dts, adts)
	} else {
		withADTS, _ := strconv.ParseBool(c.DefaultQuery("adts", "false"))
		err = s.config.Streams.InputAAC(h, body, dts, withADTS)
	}
	if err != nil {
		abortError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleReaders(c *gin.Context) {
	h, ok := s.parseHandle(c)
	if !ok {
		return
	}
	n, err := s.config.Streams.TotalReaderCount(h)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handle": uint64(h), "readers": n})
}

func (s *Server) handleProducerClose(c *gin.Context) {
	h, ok := s.parseHandle(c)
	if !ok {
		return
	}
	if err := s.config.Streams.Close(h); err != nil {
		abortError(c, err)
		return
	}
	s.respondState(c, h, http.StatusOK)
}

func (s *Server) handleRelease(c *gin.Context) {
	h, ok := s.parseHandle(c)
	if !ok {
		return
	}
	if err := s.config.Streams.Release(h); err != nil {
		abortError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
