// Package tts is the client for a VOICEVOX compatible synthesis engine.
// Long text is split on sentence punctuation, synthesized segment by segment
// and joined losslessly with ffmpeg.
package tts
