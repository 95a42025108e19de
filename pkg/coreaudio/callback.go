package coreaudio

// IOCallback is implemented by clients that want to process blocks of audio
// from a started Device.
type IOCallback interface {
	// AudioDeviceAboutToStart is called once on the control thread before the
	// first AudioDeviceIOCallback after Start.
	AudioDeviceAboutToStart(device *Device)

	// AudioDeviceIOCallback exchanges one block of frames. It runs on the OS
	// I/O thread and must not block. inputs[i] is a deinterleaved per-channel
	// float32 buffer of numSamples frames. The contents of outputs on entry
	// are undefined; the callee must write every active channel or zero it.
	AudioDeviceIOCallback(inputs [][]float32, numInputChannels int,
		outputs [][]float32, numOutputChannels int, numSamples int)

	// AudioDeviceStopped is called once on the control thread after Stop.
	AudioDeviceStopped()
}
