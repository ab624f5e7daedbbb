package codec

import (
	"errors"
	"testing"

	"github.com/opd-ai/transformer/gpu"
	"github.com/opd-ai/transformer/media"
	"github.com/opd-ai/transformer/simulation"
	"github.com/pion/opus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packedFrame(width, height int, luma byte) []byte {
	img := gpu.NewImage(width, height)
	img.Fill(luma, 128, 128)
	return img.Pack()
}

// feed queues one sample through the codec's input buffer.
func feed(t *testing.T, c Codec, data []byte, timeUs int64) error {
	t.Helper()
	buf, err := c.MaybeDequeueInputBuffer()
	require.NoError(t, err)
	require.NotNil(t, buf)
	buf.Data = append(buf.Data, data...)
	buf.TimeUs = timeUs
	buf.Flags = media.FlagKeyFrame
	return c.QueueInputBuffer(buf)
}

func feedEndOfStream(t *testing.T, c Codec) {
	t.Helper()
	buf, err := c.MaybeDequeueInputBuffer()
	require.NoError(t, err)
	require.NotNil(t, buf)
	buf.SetEndOfStream()
	require.NoError(t, c.QueueInputBuffer(buf))
}

func TestRawVideoDecoder_RendersToSurface(t *testing.T) {
	surface := simulation.NewCapturingSurface()
	format := media.NewVideoFormat(media.MimeVideoRaw, 16, 8, 30)
	dec, err := NewRawVideoDecoder(format, surface, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, dec.MaxPendingFrameCount())
	assert.Nil(t, dec.InputSurface())

	_, ok := dec.OutputFormat()
	assert.False(t, ok)

	require.NoError(t, feed(t, dec, packedFrame(16, 8, 90), 1000))
	require.NoError(t, feed(t, dec, packedFrame(16, 8, 91), 2000))
	feedEndOfStream(t, dec)

	outFormat, ok := dec.OutputFormat()
	require.True(t, ok)
	assert.Equal(t, 16, outFormat.Width)
	assert.Equal(t, 8, outFormat.Height)

	out, err := dec.OutputBuffer()
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, int64(1000), out.TimeUs)
	require.NoError(t, dec.ReleaseOutputBuffer(true))

	out, err = dec.OutputBuffer()
	require.NoError(t, err)
	require.NotNil(t, out)
	require.NoError(t, dec.ReleaseOutputBuffer(false))

	assert.False(t, dec.IsEnded())
	out, err = dec.OutputBuffer()
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.True(t, dec.IsEnded())

	assert.Equal(t, []int64{1000}, surface.Times())
	assert.Equal(t, byte(90), surface.Frames()[0].Y[0])

	err = dec.ReleaseOutputBuffer(true)
	assert.True(t, errors.Is(err, ErrNoOutputBuffer))
}

func TestRawVideoDecoder_Errors(t *testing.T) {
	surface := simulation.NewCapturingSurface()

	_, err := NewRawVideoDecoder(media.NewVideoFormat("video/avc", 16, 8, 30), surface, Unlimited)
	var exportErr *media.ExportError
	require.True(t, errors.As(err, &exportErr))
	assert.Equal(t, media.ErrorCodeDecodingFormatUnsupported, exportErr.Code)
	assert.True(t, exportErr.IsFallbackEligible())

	_, err = NewRawVideoDecoder(media.NewVideoFormat(media.MimeVideoRaw, 16, 8, 30), nil, Unlimited)
	assert.True(t, errors.Is(err, ErrNoOutputSurface))

	dec, err := NewRawVideoDecoder(media.NewVideoFormat(media.MimeVideoRaw, 16, 8, 30), surface, Unlimited)
	require.NoError(t, err)

	err = feed(t, dec, []byte{1, 2, 3}, 0)
	require.True(t, errors.As(err, &exportErr))
	assert.Equal(t, media.ErrorCodeDecodingFailed, exportErr.Code)
	require.NotNil(t, exportErr.Codec)
	assert.True(t, exportErr.Codec.IsDecoder)
	assert.True(t, exportErr.Codec.IsVideo)
	assert.True(t, errors.Is(err, gpu.ErrInvalidPackedImage))

	require.NoError(t, feed(t, dec, packedFrame(16, 8, 1), 0))
	err = feed(t, dec, packedFrame(8, 8, 1), 1)
	assert.True(t, errors.Is(err, ErrFormatChanged))
}

func TestQueueCodec_InputBufferProtocol(t *testing.T) {
	dec, err := NewPCMCodec(media.NewAudioFormat(media.MimeAudioRaw, 48000, 2), true)
	require.NoError(t, err)

	err = dec.QueueInputBuffer(&media.Buffer{})
	assert.True(t, errors.Is(err, ErrNoInputBuffer))

	buf, err := dec.MaybeDequeueInputBuffer()
	require.NoError(t, err)
	require.NotNil(t, buf)

	second, err := dec.MaybeDequeueInputBuffer()
	require.NoError(t, err)
	assert.Nil(t, second, "only one input buffer may be outstanding")

	buf.SetEndOfStream()
	require.NoError(t, dec.QueueInputBuffer(buf))

	buf, err = dec.MaybeDequeueInputBuffer()
	require.NoError(t, err)
	assert.Nil(t, buf, "no input after end of stream")
}

func TestQueueCodec_OutputBackpressure(t *testing.T) {
	dec, err := NewPCMCodec(media.NewAudioFormat(media.MimeAudioRaw, 8000, 1), true)
	require.NoError(t, err)

	for i := 0; i < maxQueuedOutputs; i++ {
		require.NoError(t, feed(t, dec, []byte{0, 0}, int64(i)))
	}
	buf, err := dec.MaybeDequeueInputBuffer()
	require.NoError(t, err)
	assert.Nil(t, buf)
	assert.Equal(t, maxQueuedOutputs, dec.PendingOutputCount())

	require.NoError(t, dec.ReleaseOutputBuffer(false))
	buf, err = dec.MaybeDequeueInputBuffer()
	require.NoError(t, err)
	assert.NotNil(t, buf)
}

func TestQueueCodec_Release(t *testing.T) {
	dec, err := NewPCMCodec(media.NewAudioFormat(media.MimeAudioRaw, 8000, 1), true)
	require.NoError(t, err)
	require.NoError(t, feed(t, dec, []byte{1, 0}, 0))

	require.NoError(t, dec.Release())
	require.NoError(t, dec.Release())

	_, err = dec.MaybeDequeueInputBuffer()
	assert.True(t, errors.Is(err, ErrCodecReleased))
	_, err = dec.OutputBuffer()
	assert.True(t, errors.Is(err, ErrCodecReleased))
	assert.True(t, errors.Is(dec.SignalEndOfInputStream(), ErrCodecReleased))
}

func TestPCMCodec_PassesSamplesThrough(t *testing.T) {
	format := media.NewAudioFormat(media.MimeAudioRaw, 8000, 2)
	enc, err := NewPCMCodec(format, false)
	require.NoError(t, err)

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, feed(t, enc, data, 500))
	data[0] = 99

	out, err := enc.OutputBuffer()
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, out.Data)
	assert.True(t, out.IsKeyFrame())

	outFormat, ok := enc.OutputFormat()
	require.True(t, ok)
	assert.Equal(t, format, outFormat)

	err = feed(t, enc, []byte{1, 2, 3}, 600)
	var exportErr *media.ExportError
	require.True(t, errors.As(err, &exportErr))
	assert.Equal(t, media.ErrorCodeEncodingFailed, exportErr.Code)
	assert.False(t, exportErr.Codec.IsDecoder)
}

func TestPCMCodec_InvalidFormat(t *testing.T) {
	_, err := NewPCMCodec(media.NewAudioFormat(media.MimeAudioOpus, 48000, 2), false)
	var exportErr *media.ExportError
	require.True(t, errors.As(err, &exportErr))
	assert.Equal(t, media.ErrorCodeEncodingFormatUnsupported, exportErr.Code)

	_, err = NewPCMCodec(media.NewAudioFormat(media.MimeAudioRaw, 0, 2), true)
	require.True(t, errors.As(err, &exportErr))
	assert.Equal(t, media.ErrorCodeDecoderInit, exportErr.Code)
}

func TestPCMDurationUs(t *testing.T) {
	assert.Equal(t, int64(1_000_000), PCMDurationUs(48000*2*2, 48000, 2))
	assert.Equal(t, int64(10_000), PCMDurationUs(160, 8000, 1))
	assert.Zero(t, PCMDurationUs(100, 0, 1))
}

func TestRawVideoEncoder_EncodesSurfaceFrames(t *testing.T) {
	format := media.NewVideoFormat(media.MimeVideoRaw, 8, 4, 30)
	enc, err := NewRawVideoEncoder(format)
	require.NoError(t, err)
	require.NotNil(t, enc.InputSurface())

	buf, err := enc.MaybeDequeueInputBuffer()
	require.NoError(t, err)
	assert.Nil(t, buf, "input arrives through the surface")

	_, ok := enc.OutputFormat()
	assert.False(t, ok)

	img := gpu.NewImage(8, 4)
	img.Fill(200, 100, 150)
	require.NoError(t, enc.InputSurface().RenderFrame(img, 33_000))

	err = enc.InputSurface().RenderFrame(gpu.NewImage(4, 4), 66_000)
	var exportErr *media.ExportError
	require.True(t, errors.As(err, &exportErr))
	assert.Equal(t, media.ErrorCodeEncodingFailed, exportErr.Code)

	require.NoError(t, enc.SignalEndOfInputStream())
	assert.True(t, errors.Is(enc.InputSurface().RenderFrame(img, 99_000), ErrInputEnded))

	outFormat, ok := enc.OutputFormat()
	require.True(t, ok)
	assert.Equal(t, 8, outFormat.Width)

	out, err := enc.OutputBuffer()
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, out.IsKeyFrame())
	assert.Equal(t, int64(33_000), out.TimeUs)
	decoded, err := gpu.UnpackImage(out.Data)
	require.NoError(t, err)
	assert.Equal(t, byte(200), decoded.Y[0])
	require.NoError(t, enc.ReleaseOutputBuffer(false))

	out, err = enc.OutputBuffer()
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.True(t, enc.IsEnded())

	require.NoError(t, enc.Release())
	assert.True(t, errors.Is(enc.InputSurface().RenderFrame(img, 0), ErrCodecReleased))
}

func TestRawVideoEncoder_InvalidFormat(t *testing.T) {
	_, err := NewRawVideoEncoder(media.NewVideoFormat("video/hevc", 8, 4, 30))
	var exportErr *media.ExportError
	require.True(t, errors.As(err, &exportErr))
	assert.Equal(t, media.ErrorCodeEncodingFormatUnsupported, exportErr.Code)

	_, err = NewRawVideoEncoder(media.NewVideoFormat(media.MimeVideoRaw, 7, 4, 30))
	require.True(t, errors.As(err, &exportErr))
	assert.Equal(t, media.ErrorCodeEncoderInit, exportErr.Code)
}

func TestOpusDecoder_RejectsEmptyPacket(t *testing.T) {
	dec, err := NewOpusDecoder(media.NewAudioFormat(media.MimeAudioOpus, 48000, 2))
	require.NoError(t, err)

	buf, err := dec.MaybeDequeueInputBuffer()
	require.NoError(t, err)
	err = dec.QueueInputBuffer(buf)
	assert.True(t, errors.Is(err, ErrEmptyPacket))
	var exportErr *media.ExportError
	require.True(t, errors.As(err, &exportErr))
	assert.Equal(t, media.ErrorCodeDecodingFailed, exportErr.Code)

	_, err = NewOpusDecoder(media.NewAudioFormat(media.MimeAudioRaw, 48000, 2))
	require.True(t, errors.As(err, &exportErr))
	assert.Equal(t, media.ErrorCodeDecodingFormatUnsupported, exportErr.Code)
}

func TestOpusFrameDuration(t *testing.T) {
	tests := []struct {
		name string
		toc  byte
		want int64
	}{
		{"silk nb 10ms", 0 << 3, 10_000},
		{"silk wb 20ms", 9 << 3, 20_000},
		{"silk 60ms", 11 << 3, 60_000},
		{"hybrid 20ms", 13 << 3, 20_000},
		{"celt 2.5ms", 16 << 3, 2_500},
		{"celt 20ms", 31 << 3, 20_000},
		{"two frames", 9<<3 | 1, 40_000},
		{"two frames vbr", 9<<3 | 2, 40_000},
		{"arbitrary frames", 9<<3 | 3, 20_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, opusFrameDurationUs(tt.toc))
		})
	}
}

func TestBandwidthForSampleRate(t *testing.T) {
	tests := []struct {
		rate int
		want opus.Bandwidth
	}{
		{8000, opus.BandwidthNarrowband},
		{12000, opus.BandwidthMediumband},
		{16000, opus.BandwidthWideband},
		{24000, opus.BandwidthSuperwideband},
		{48000, opus.BandwidthFullband},
	}
	for _, tt := range tests {
		got, err := bandwidthForSampleRate(tt.rate)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "rate %d", tt.rate)
	}

	_, err := bandwidthForSampleRate(44100)
	assert.ErrorIs(t, err, ErrUnsupportedSampleRate)
}

func TestOpusDecoder_RejectsUnsupportedSampleRate(t *testing.T) {
	_, err := NewOpusDecoder(media.NewAudioFormat(media.MimeAudioOpus, 44100, 2))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedSampleRate)
	var exportErr *media.ExportError
	require.True(t, errors.As(err, &exportErr))
	assert.Equal(t, media.ErrorCodeDecodingFormatUnsupported, exportErr.Code)

	_, err = NewOpusDecoder(media.NewAudioFormat(media.MimeAudioOpus, 16000, 1))
	assert.NoError(t, err)
}
