package overlay

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/overlay-api/internal/backend"
	"github.com/maauso/overlay-api/internal/contrast"
	"github.com/maauso/overlay-api/internal/geometry"
	"github.com/maauso/overlay-api/internal/library"
)

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) UploadVideo(ctx context.Context, filename string, r io.Reader) (backend.UploadResult, error) {
	data, _ := io.ReadAll(r)
	args := m.Called(ctx, filename, string(data))
	return args.Get(0).(backend.UploadResult), args.Error(1)
}

func (m *mockBackend) ComposeVideo(ctx context.Context, req backend.ComposeRequest) (backend.ComposeResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(backend.ComposeResult), args.Error(1)
}

type mockFrames struct {
	mock.Mock
}

func (m *mockFrames) ExtractFrame(ctx context.Context, videoRef string) ([]byte, error) {
	args := m.Called(ctx, videoRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *mockFrames) FetchStill(ctx context.Context, ref string) ([]byte, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

// fixedMeasurer reports the same extent for any non-empty text.
type fixedMeasurer geometry.Size

func (f fixedMeasurer) Measure(text string) geometry.Size {
	if text == "" {
		return geometry.Size{}
	}
	return geometry.Size(f)
}

func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func uploadFile(content string) UploadFile {
	return UploadFile{
		Name: "a.mp4",
		Open: func(context.Context) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		},
	}
}

type fixture struct {
	backend *mockBackend
	frames  *mockFrames
	session *Session
}

func newFixture(t *testing.T, measurer Measurer) *fixture {
	t.Helper()
	f := &fixture{backend: &mockBackend{}, frames: &mockFrames{}}
	f.session = NewWithID("sess-test", Deps{
		Backend:   f.backend,
		Frames:    f.frames,
		Measurer:  measurer,
		OutputRef: func() string { return "uploads/1_edited.mp4" },
	})
	return f
}

// loaded returns a fixture whose session has frame data loaded for uploads/a.mp4.
func loaded(t *testing.T, frame []byte, measurer Measurer) *fixture {
	t.Helper()
	f := newFixture(t, measurer)
	f.frames.On("ExtractFrame", mock.Anything, "uploads/a.mp4").Return(frame, nil).Once()

	_, err := f.session.SelectMedia(library.MediaItem{ID: "1", FileType: library.FileTypeVideo, FilePath: "uploads/a.mp4"})
	require.NoError(t, err)
	_, err = f.session.RequestFrame(context.Background())
	require.NoError(t, err)
	return f
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateEmpty, StateVideoSelected, true},
		{StateEmpty, StateFrameLoading, false},
		{StateVideoSelected, StateFrameLoading, true},
		{StateFrameLoaded, StatePositioning, true},
		{StateFrameLoaded, StateSaving, true},
		{StatePositioning, StatePositioning, true},
		{StateVideoSelected, StateSaving, false},
		{StateSaving, StateSaving, false},
		{StateSaved, StatePositioning, false},
		{StateSaved, StateUploading, true},
		{StateFailed, StateVideoSelected, true},
		{StateFailed, StateSaving, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, canTransition(tt.from, tt.to))
		})
	}
}

func TestNew_InitialState(t *testing.T) {
	s := New(Deps{})
	v := s.Snapshot()

	assert.True(t, strings.HasPrefix(v.ID, "sess-"))
	assert.Equal(t, StateEmpty, v.State)
	assert.Equal(t, contrast.Black, v.Color)
	assert.Nil(t, v.Position)
	assert.False(t, v.HasFrame())
}

func TestSession_UploadSuccess(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.On("UploadVideo", mock.Anything, "a.mp4", "video-bytes").
		Return(backend.UploadResult{VideoRef: "uploads/a.mp4", Message: "Video uploaded successfully"}, nil)

	v, err := f.session.Upload(context.Background(), uploadFile("video-bytes"))
	require.NoError(t, err)
	assert.Equal(t, StateVideoSelected, v.State)
	assert.Equal(t, "uploads/a.mp4", v.VideoRef)
	assert.Equal(t, library.FileTypeVideo, v.SourceKind)
	assert.Equal(t, "Video uploaded successfully", v.Message)
	f.backend.AssertExpectations(t)
}

func TestSession_UploadFailureThenRetry(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.On("UploadVideo", mock.Anything, "a.mp4", "video-bytes").
		Return(backend.UploadResult{}, errors.Join(backend.ErrUpload, errors.New("disk full"))).Once()
	f.backend.On("UploadVideo", mock.Anything, "a.mp4", "video-bytes").
		Return(backend.UploadResult{VideoRef: "uploads/a.mp4"}, nil).Once()

	v, err := f.session.Upload(context.Background(), uploadFile("video-bytes"))
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrUpload)
	assert.Equal(t, StateFailed, v.State)
	require.NotNil(t, v.Failure)
	assert.Equal(t, ReasonUpload, v.Failure.Reason)

	v, err = f.session.Retry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateVideoSelected, v.State)
	assert.Nil(t, v.Failure)
	f.backend.AssertExpectations(t)
}

func TestSession_SelectMedia(t *testing.T) {
	f := newFixture(t, nil)

	v, err := f.session.SelectMedia(library.MediaItem{ID: "9", FileType: library.FileTypeImage, FilePath: "uploads/frame.png"})
	require.NoError(t, err)
	assert.Equal(t, StateVideoSelected, v.State)
	assert.Equal(t, "uploads/frame.png", v.StillRef)
	assert.Empty(t, v.VideoRef)
	assert.Equal(t, "9", v.MediaID)

	_, err = f.session.SelectMedia(library.MediaItem{ID: "2", FileType: library.FileTypeAudio, FilePath: "uploads/a.wav"})
	assert.ErrorIs(t, err, ErrUnsupportedMedia)
}

func TestSession_ImageItemIsFetchedDirectly(t *testing.T) {
	f := newFixture(t, nil)
	f.frames.On("FetchStill", mock.Anything, "uploads/frame.png").Return(solidPNG(t, 8, 4, color.White), nil)

	_, err := f.session.SelectMedia(library.MediaItem{ID: "9", FileType: library.FileTypeImage, FilePath: "uploads/frame.png"})
	require.NoError(t, err)

	v, err := f.session.RequestFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateFrameLoaded, v.State)
	assert.Equal(t, contrast.Black, v.Color)
	assert.Equal(t, &geometry.Size{Width: 8, Height: 4}, v.FrameSize)
	f.frames.AssertNotCalled(t, "ExtractFrame", mock.Anything, mock.Anything)

	// A still has no source video unless the client names one.
	_, err = f.session.SetText("hello")
	require.NoError(t, err)
	_, err = f.session.Save(context.Background(), SaveInput{})
	assert.ErrorIs(t, err, ErrNoVideoSource)
}

func TestSession_RequestFrameRequiresSource(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.session.RequestFrame(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSession_FrameColor(t *testing.T) {
	tests := []struct {
		name string
		fill color.Color
		want contrast.TextColor
	}{
		{"white frame", color.White, contrast.Black},
		{"black frame", color.Black, contrast.White},
		{"dark frame", color.RGBA{20, 20, 40, 255}, contrast.White},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := loaded(t, solidPNG(t, 16, 9, tt.fill), nil)
			v := f.session.Snapshot()
			assert.Equal(t, StateFrameLoaded, v.State)
			assert.Equal(t, tt.want, v.Color)
			require.NotNil(t, v.Position)
			assert.Equal(t, geometry.Point{}, *v.Position)
		})
	}
}

func TestSession_UndecodableFrameFailsAndKeepsColor(t *testing.T) {
	f := newFixture(t, nil)
	f.frames.On("ExtractFrame", mock.Anything, "uploads/a.mp4").Return([]byte("not an image"), nil)

	_, err := f.session.SelectMedia(library.MediaItem{ID: "1", FileType: library.FileTypeVideo, FilePath: "uploads/a.mp4"})
	require.NoError(t, err)

	v, err := f.session.RequestFrame(context.Background())
	var decodeErr *contrast.DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, StateFailed, v.State)
	assert.Equal(t, ReasonFrameExtraction, v.Failure.Reason)
	assert.Equal(t, contrast.DefaultColor, v.Color)
	assert.False(t, v.HasFrame())
}

func TestSession_ExtractFailureThenRetryUsesSameRef(t *testing.T) {
	f := newFixture(t, nil)
	extractErr := errors.Join(backend.ErrFrameExtraction, &backend.StatusError{StatusCode: 500, Message: "Could not read video"})
	f.frames.On("ExtractFrame", mock.Anything, "uploads/a.mp4").Return(nil, extractErr).Once()
	f.frames.On("ExtractFrame", mock.Anything, "uploads/a.mp4").Return(solidPNG(t, 4, 4, color.Black), nil).Once()

	_, err := f.session.SelectMedia(library.MediaItem{ID: "1", FileType: library.FileTypeVideo, FilePath: "uploads/a.mp4"})
	require.NoError(t, err)

	v, err := f.session.RequestFrame(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrFrameExtraction)
	assert.Equal(t, StateFailed, v.State)
	assert.Equal(t, ReasonFrameExtraction, v.Failure.Reason)
	assert.Equal(t, "Could not read video", v.Failure.Message)

	v, err = f.session.Retry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateFrameLoaded, v.State)
	assert.Equal(t, contrast.White, v.Color)

	f.frames.AssertNumberOfCalls(t, "ExtractFrame", 2)
	f.frames.AssertExpectations(t)
}

func TestSession_DragBeforeFrameIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.session.BeginDrag(geometry.Point{}, geometry.Rect{Width: 10, Height: 10})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, err, ErrNoFrame)

	_, err = f.session.Save(context.Background(), SaveInput{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSession_DragAndDrop(t *testing.T) {
	f := loaded(t, solidPNG(t, 400, 200, color.White), nil)
	box := geometry.Rect{Left: 0, Top: 0, Width: 200, Height: 100}

	v, err := f.session.BeginDrag(geometry.Point{X: 10, Y: 10}, box)
	require.NoError(t, err)
	assert.Equal(t, StatePositioning, v.State)
	assert.True(t, v.Dragging)

	v, err = f.session.Drop(geometry.Point{X: 50, Y: 80}, box)
	require.NoError(t, err)
	assert.Equal(t, StatePositioning, v.State)
	assert.False(t, v.Dragging)
	assert.InDelta(t, 80.0, v.Position.X, 1e-9)
	assert.InDelta(t, 140.0, v.Position.Y, 1e-9)

	// Re-entrant: a second gesture stays in Positioning.
	_, err = f.session.BeginDrag(geometry.Point{X: 50, Y: 80}, box)
	require.NoError(t, err)
	v, err = f.session.Drop(geometry.Point{X: 50, Y: 80}, box)
	require.NoError(t, err)
	assert.InDelta(t, 80.0, v.Position.X, 1e-9)
	assert.InDelta(t, 140.0, v.Position.Y, 1e-9)
}

func TestSession_DropClampsWithTextExtent(t *testing.T) {
	f := loaded(t, solidPNG(t, 400, 200, color.White), fixedMeasurer{Width: 100, Height: 40})
	_, err := f.session.SetText("Hello")
	require.NoError(t, err)

	box := geometry.Rect{Width: 200, Height: 100}
	v, err := f.session.Drop(geometry.Point{X: 1000, Y: -50}, box)
	require.NoError(t, err)
	assert.Equal(t, geometry.Point{X: 300, Y: 0}, *v.Position)
	assert.Equal(t, geometry.Size{Width: 100, Height: 40}, v.TextExtent)
}

func TestSession_SetTextReclampsPosition(t *testing.T) {
	m := &switchMeasurer{size: geometry.Size{Width: 10, Height: 10}}
	f := loaded(t, solidPNG(t, 100, 100, color.White), m)
	_, err := f.session.SetText("a")
	require.NoError(t, err)

	v, err := f.session.Drop(geometry.Point{X: 90, Y: 90}, geometry.Rect{Width: 100, Height: 100})
	require.NoError(t, err)
	assert.Equal(t, geometry.Point{X: 90, Y: 90}, *v.Position)

	m.size = geometry.Size{Width: 50, Height: 20}
	v, err = f.session.SetText("a much longer text")
	require.NoError(t, err)
	assert.Equal(t, geometry.Point{X: 50, Y: 80}, *v.Position)
}

type switchMeasurer struct {
	size geometry.Size
}

func (m *switchMeasurer) Measure(string) geometry.Size { return m.size }

func TestSession_SaveScenario(t *testing.T) {
	// Upload → dark frame → white text → drag at 2x scale → save.
	f := newFixture(t, nil)
	f.backend.On("UploadVideo", mock.Anything, "a.mp4", "A").
		Return(backend.UploadResult{VideoRef: "uploads/a.mp4"}, nil)
	f.frames.On("ExtractFrame", mock.Anything, "uploads/a.mp4").
		Return(solidPNG(t, 400, 200, color.RGBA{10, 10, 10, 255}), nil)
	f.backend.On("ComposeVideo", mock.Anything, backend.ComposeRequest{
		VideoRef:  "uploads/a.mp4",
		Text:      "Hello",
		Position:  geometry.Point{X: 80, Y: 140},
		OutputRef: "uploads/1_edited.mp4",
	}).Return(backend.ComposeResult{OutputRef: "uploads/1_edited.mp4", Message: "Video saved successfully"}, nil)

	ctx := context.Background()
	_, err := f.session.Upload(ctx, uploadFile("A"))
	require.NoError(t, err)

	v, err := f.session.RequestFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, contrast.White, v.Color)

	box := geometry.Rect{Width: 200, Height: 100}
	_, err = f.session.BeginDrag(geometry.Point{X: 10, Y: 10}, box)
	require.NoError(t, err)
	_, err = f.session.Drop(geometry.Point{X: 50, Y: 80}, box)
	require.NoError(t, err)

	text := "Hello"
	v, err = f.session.Save(ctx, SaveInput{Text: &text})
	require.NoError(t, err)
	assert.Equal(t, StateSaved, v.State)
	assert.Equal(t, "uploads/1_edited.mp4", v.OutputRef)
	assert.Equal(t, "Video saved successfully", v.Message)

	f.backend.AssertExpectations(t)
	f.frames.AssertExpectations(t)
}

func TestSession_SaveRequiresText(t *testing.T) {
	f := loaded(t, solidPNG(t, 4, 4, color.White), nil)

	_, err := f.session.Save(context.Background(), SaveInput{})
	assert.ErrorIs(t, err, ErrTextRequired)

	blank := "   "
	_, err = f.session.Save(context.Background(), SaveInput{Text: &blank})
	assert.ErrorIs(t, err, ErrTextRequired)
	assert.Equal(t, StateFrameLoaded, f.session.State())
}

func TestSession_SaveFailurePreservesInputs(t *testing.T) {
	f := loaded(t, solidPNG(t, 400, 200, color.White), nil)
	saveErr := errors.Join(backend.ErrSave, errors.New("render crashed"))
	f.backend.On("ComposeVideo", mock.Anything, mock.Anything).Return(backend.ComposeResult{}, saveErr).Once()
	f.backend.On("ComposeVideo", mock.Anything, mock.MatchedBy(func(r backend.ComposeRequest) bool {
		return r.Text == "Keep me" && r.Position == geometry.Point{X: 30, Y: 40}
	})).Return(backend.ComposeResult{OutputRef: "uploads/1_edited.mp4"}, nil).Once()

	ctx := context.Background()
	_, err := f.session.SetText("Keep me")
	require.NoError(t, err)
	pos := geometry.Point{X: 30, Y: 40}

	v, err := f.session.Save(ctx, SaveInput{Position: &pos})
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrSave)
	assert.Equal(t, StateFailed, v.State)
	assert.Equal(t, ReasonSave, v.Failure.Reason)
	assert.Equal(t, "Keep me", v.Text)
	assert.Equal(t, pos, *v.Position)

	v, err = f.session.Retry(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateSaved, v.State)
	f.backend.AssertExpectations(t)
}

func TestSession_SecondSaveWhileSavingIsRejected(t *testing.T) {
	f := loaded(t, solidPNG(t, 4, 4, color.White), nil)
	release := make(chan time.Time)
	f.backend.On("ComposeVideo", mock.Anything, mock.Anything).
		WaitUntil(release).
		Return(backend.ComposeResult{OutputRef: "uploads/1_edited.mp4"}, nil).Once()

	_, err := f.session.SetText("Hi")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.session.Save(context.Background(), SaveInput{})
		done <- err
	}()

	require.Eventually(t, func() bool { return f.session.State() == StateSaving }, time.Second, 5*time.Millisecond)

	_, err = f.session.Save(context.Background(), SaveInput{})
	assert.ErrorIs(t, err, ErrOperationInProgress)
	_, err = f.session.BeginDrag(geometry.Point{}, geometry.Rect{Width: 1, Height: 1})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateSaved, f.session.State())
	f.backend.AssertNumberOfCalls(t, "ComposeVideo", 1)
}

// blockingFrames returns its frame only once released, ignoring cancellation,
// to simulate a response that arrives after the session moved on.
type blockingFrames struct {
	started chan string
	release chan struct{}
	frame   []byte
}

func (b *blockingFrames) ExtractFrame(_ context.Context, videoRef string) ([]byte, error) {
	b.started <- videoRef
	<-b.release
	return b.frame, nil
}

func (b *blockingFrames) FetchStill(ctx context.Context, ref string) ([]byte, error) {
	return b.ExtractFrame(ctx, ref)
}

func TestSession_LateFrameForSupersededVideoIsDropped(t *testing.T) {
	frames := &blockingFrames{
		started: make(chan string, 1),
		release: make(chan struct{}),
		frame:   solidPNG(t, 4, 4, color.Black),
	}
	s := NewWithID("sess-late", Deps{Frames: frames})

	_, err := s.SelectMedia(library.MediaItem{ID: "a", FileType: library.FileTypeVideo, FilePath: "uploads/a.mp4"})
	require.NoError(t, err)

	type result struct {
		view View
		err  error
	}
	done := make(chan result, 1)
	go func() {
		v, err := s.RequestFrame(context.Background())
		done <- result{v, err}
	}()
	assert.Equal(t, "uploads/a.mp4", <-frames.started)

	v, err := s.SelectMedia(library.MediaItem{ID: "b", FileType: library.FileTypeVideo, FilePath: "uploads/b.mp4"})
	require.NoError(t, err)
	assert.Equal(t, StateVideoSelected, v.State)

	close(frames.release)
	res := <-done
	assert.ErrorIs(t, res.err, ErrSuperseded)

	v = s.Snapshot()
	assert.Equal(t, StateVideoSelected, v.State)
	assert.Equal(t, "uploads/b.mp4", v.VideoRef)
	assert.False(t, v.HasFrame())
	assert.Equal(t, contrast.DefaultColor, v.Color)
}

func TestSession_SelectingNewVideoResetsOverlay(t *testing.T) {
	for _, st := range []State{StateFrameLoaded, StatePositioning} {
		t.Run(string(st), func(t *testing.T) {
			f := loaded(t, solidPNG(t, 100, 100, color.Black), nil)
			_, err := f.session.SetText("stays")
			require.NoError(t, err)
			if st == StatePositioning {
				_, err := f.session.Drop(geometry.Point{X: 20, Y: 20}, geometry.Rect{Width: 100, Height: 100})
				require.NoError(t, err)
			}
			require.Equal(t, st, f.session.State())

			v, err := f.session.SelectMedia(library.MediaItem{ID: "2", FileType: library.FileTypeVideo, FilePath: "uploads/b.mp4"})
			require.NoError(t, err)
			assert.Equal(t, StateVideoSelected, v.State)
			assert.Nil(t, v.Position)
			assert.Nil(t, v.FrameSize)
			assert.Equal(t, contrast.DefaultColor, v.Color)
			assert.Equal(t, "stays", v.Text)

			_, ok := f.session.Frame()
			assert.False(t, ok)
		})
	}
}

func TestSession_Close(t *testing.T) {
	f := loaded(t, solidPNG(t, 4, 4, color.White), nil)
	f.session.Close()
	f.session.Close()

	_, ok := f.session.Frame()
	assert.False(t, ok)
	assert.True(t, f.session.Snapshot().Closed)

	_, err := f.session.SetText("x")
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = f.session.SelectMedia(library.MediaItem{ID: "1", FileType: library.FileTypeVideo, FilePath: "uploads/a.mp4"})
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = f.session.Retry(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_RetryWithoutFailure(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.session.Retry(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSession_ConcurrentSnapshots(t *testing.T) {
	f := loaded(t, solidPNG(t, 64, 64, color.White), nil)
	box := geometry.Rect{Width: 64, Height: 64}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = f.session.Drop(geometry.Point{X: float64(i), Y: float64(i)}, box)
			_ = f.session.Snapshot()
		}(i)
	}
	wg.Wait()

	v := f.session.Snapshot()
	assert.Equal(t, StatePositioning, v.State)
	assert.GreaterOrEqual(t, v.Position.X, 0.0)
	assert.Less(t, v.Position.X, 64.0)
}
