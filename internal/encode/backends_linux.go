//go:build linux

package encode

// Backend order: direct hardware first, the portable libavcodec chain
// (which itself ends in software libx265) as last resort.
var backendFactories = []backendFactory{
	{name: "gstreamer-vaapi", open: newGstVAAPI},
	{name: "ffmpeg", open: newFFmpeg},
}
