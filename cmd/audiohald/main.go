package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dougsko/audiohal/pkg/config"
	"github.com/dougsko/audiohal/pkg/coreaudio"
	"github.com/dougsko/audiohal/pkg/logging"
)

var (
	configPath  = flag.String("config", "", "Path to YAML configuration file")
	listDevices = flag.Bool("list", false, "Scan and list audio devices, then exit")
	runSeconds  = flag.Int("run", 0, "Run a pass-through between the configured devices for N seconds")
)

func main() {
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger, err := logging.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	hal, err := coreaudio.NewHAL()
	if err != nil {
		logger.Errorf("main", "CoreAudio unavailable: %v", err)
		os.Exit(1)
	}

	deviceType, err := coreaudio.NewDeviceType(hal)
	if err != nil {
		logger.Errorf("main", "Failed to create device registry: %v", err)
		os.Exit(1)
	}
	defer deviceType.Close()

	deviceType.ScanForDevices()

	if *listDevices || *runSeconds <= 0 {
		printDeviceTables(deviceType)
		if *listDevices {
			return
		}
	}

	if *runSeconds > 0 {
		if err := runPassthrough(cfg, deviceType, logger, time.Duration(*runSeconds)*time.Second); err != nil {
			logger.Errorf("main", "Pass-through failed: %v", err)
			os.Exit(1)
		}
	}
}

func printDeviceTables(deviceType *coreaudio.DeviceType) {
	fmt.Println("Input devices:")
	for i, name := range deviceType.DeviceNames(true) {
		marker := " "
		if i == deviceType.DefaultDeviceIndex(true) {
			marker = "*"
		}
		fmt.Printf("  %s %s\n", marker, name)
	}

	fmt.Println("Output devices:")
	for i, name := range deviceType.DeviceNames(false) {
		marker := " "
		if i == deviceType.DefaultDeviceIndex(false) {
			marker = "*"
		}
		fmt.Printf("  %s %s\n", marker, name)
	}
}

func runPassthrough(cfg *config.Config, deviceType *coreaudio.DeviceType,
	logger *logging.Logger, duration time.Duration) error {

	outputName := cfg.Audio.OutputDevice
	inputName := cfg.Audio.InputDevice
	if outputName == "" && inputName == "" {
		outputs := deviceType.DeviceNames(false)
		inputs := deviceType.DeviceNames(true)
		if len(outputs) > 0 {
			outputName = outputs[deviceType.DefaultDeviceIndex(false)]
		}
		if len(inputs) > 0 {
			inputName = inputs[deviceType.DefaultDeviceIndex(true)]
		}
	}

	logger.Infof("main", "Opening device (output=%q input=%q)", outputName, inputName)

	device, err := deviceType.CreateDevice(outputName, inputName)
	if err != nil {
		return err
	}
	defer device.Release()

	inputMask := maskForChannels(cfg.Audio.InputChannels)
	outputMask := maskForChannels(cfg.Audio.OutputChannels)

	if err := device.Open(inputMask, outputMask, float64(cfg.Audio.SampleRate), cfg.Audio.BufferSize); err != nil {
		return err
	}
	defer device.Close()

	logger.Infof("main", "Running at %.0f Hz, %d frames, in-latency %d, out-latency %d",
		device.CurrentSampleRate(), device.CurrentBufferSizeSamples(),
		device.InputLatencySamples(), device.OutputLatencySamples())

	client := &passthroughClient{logger: logger}
	device.Start(client)
	time.Sleep(duration)
	device.Stop()

	logger.Infof("main", "Processed %d callbacks", client.callbacks)
	return nil
}

func maskForChannels(n int) coreaudio.ChannelMask {
	var mask coreaudio.ChannelMask
	for i := 0; i < n; i++ {
		mask.Set(i)
	}
	return mask
}

// passthroughClient copies every input channel to the matching output channel
// and silences the rest.
type passthroughClient struct {
	logger    *logging.Logger
	callbacks int
}

func (p *passthroughClient) AudioDeviceAboutToStart(device *coreaudio.Device) {
	p.logger.Infof("audio", "Stream starting on %q", device.Name())
}

func (p *passthroughClient) AudioDeviceIOCallback(inputs [][]float32, numIn int,
	outputs [][]float32, numOut int, numSamples int) {

	p.callbacks++

	for i := 0; i < numOut; i++ {
		if i < numIn {
			copy(outputs[i], inputs[i])
		} else {
			for k := range outputs[i] {
				outputs[i][k] = 0
			}
		}
	}
}

func (p *passthroughClient) AudioDeviceStopped() {
	p.logger.Info("audio", "Stream stopped")
}
