// Package media implements the media pipeline of an embedded WebRTC
// camera endpoint: capture nodes, audio codec transforms, dataflow
// linkers, and a sink that fans encoded frames out to every connected
// viewer session. The pipeline shape is fixed at construction time by
// the chosen video codec (H.264 or H.265) and audio codec (G.711 µ-law,
// G.711 A-law, or Opus), with an optional inbound branch that plays
// remote audio through the device speaker.
//
// A PipelineGraph owns every node and linker it assembles; Close tears
// the whole graph down in reverse construction order. The peer
// connection layer talks to the pipeline through three surfaces: the
// SinkNode's callback registration and Start/Stop, the graph's
// PlayAudioFrame for inbound audio, and the SessionTable of viewers
// gated on connection state.
package media
