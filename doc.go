/*
go-posepipe provides an asynchronous inference pipeline for running
computer-vision models (pose estimation, detection) through a pool of
reusable execution requests, overlapping request submission with result
retrieval so the hardware stays busy while the caller prepares the next
frame.

The root package contains the scheduling core: RequestPool, Pipeline and
the engine interfaces concrete backends implement.  Backends for ONNX
Runtime and TensorFlow Lite live under the engine subdirectory.  The
postprocess package implements OpenPose pose extraction (peak finding and
limb grouping) and the hpe package ties preprocessing, the pipeline and
pose extraction together into a ready to use model wrapper.

See example code and usage in the example subdirectory.
*/
package posepipe
