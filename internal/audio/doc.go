// Package audio plays WAV artifacts on the local sound device using oto. It
// provides a voice provider for development and the speak command, where no
// chat voice channel is involved.
package audio
