// Command bookvid generates book-explainer videos: it segments a narration
// script, drives the external video/image/speech generators, and assembles the
// results with ffmpeg. `bookvid serve` exposes the same pipeline over HTTP.
package main
