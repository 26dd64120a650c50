package media

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// AudioFile represents parsed audio file metadata and PCM data
type AudioFile struct {
	AudioFormat   uint16
	SampleRate    uint32
	NumChannels   uint16
	BitsPerSample uint16
	PCMData       []byte
}

// ReadWAVFile parses a WAV file and returns metadata + PCM audio data
func ReadWAVFile(filePath string) (*AudioFile, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	header := make([]byte, 4)
	if _, err := io.ReadFull(file, header); err != nil {
		return nil, fmt.Errorf("failed to read RIFF header: %w", err)
	}
	if string(header) != "RIFF" {
		return nil, fmt.Errorf("not a valid RIFF file")
	}

	var riffSize uint32
	if err := binary.Read(file, binary.LittleEndian, &riffSize); err != nil {
		return nil, fmt.Errorf("failed to read RIFF size: %w", err)
	}

	if _, err := io.ReadFull(file, header); err != nil {
		return nil, fmt.Errorf("failed to read WAVE header: %w", err)
	}
	if string(header) != "WAVE" {
		return nil, fmt.Errorf("not a valid WAVE file")
	}

	audioFile := &AudioFile{}
	for {
		chunkID := make([]byte, 4)
		if _, err := io.ReadFull(file, chunkID); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, fmt.Errorf("failed to read chunk ID: %w", err)
		}

		var chunkSize uint32
		if err := binary.Read(file, binary.LittleEndian, &chunkSize); err != nil {
			return nil, fmt.Errorf("failed to read chunk size: %w", err)
		}

		switch string(chunkID) {
		case "fmt ":
			if err := binary.Read(file, binary.LittleEndian, &audioFile.AudioFormat); err != nil {
				return nil, fmt.Errorf("failed to read audio format: %w", err)
			}
			if audioFile.AudioFormat != 1 {
				return nil, fmt.Errorf("only PCM audio format (1) is supported, got %d", audioFile.AudioFormat)
			}

			if err := binary.Read(file, binary.LittleEndian, &audioFile.NumChannels); err != nil {
				return nil, fmt.Errorf("failed to read channels: %w", err)
			}
			if err := binary.Read(file, binary.LittleEndian, &audioFile.SampleRate); err != nil {
				return nil, fmt.Errorf("failed to read sample rate: %w", err)
			}

			// Skip byte rate and block align
			if _, err := file.Seek(6, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("failed to seek past byte rate: %w", err)
			}

			if err := binary.Read(file, binary.LittleEndian, &audioFile.BitsPerSample); err != nil {
				return nil, fmt.Errorf("failed to read bits per sample: %w", err)
			}

			// Skip any format chunk extension
			if chunkSize > 16 {
				if _, err := file.Seek(int64(chunkSize-16), io.SeekCurrent); err != nil {
					return nil, fmt.Errorf("failed to skip format extension: %w", err)
				}
			}

			slog.Debug("[Media] Parsed WAV format chunk",
				"sample_rate", audioFile.SampleRate,
				"channels", audioFile.NumChannels,
				"bits_per_sample", audioFile.BitsPerSample)

		case "data":
			audioData := make([]byte, chunkSize)
			if _, err := io.ReadFull(file, audioData); err != nil {
				return nil, fmt.Errorf("failed to read audio data: %w", err)
			}
			audioFile.PCMData = audioData
			slog.Debug("[Media] Loaded WAV audio data", "file", filePath, "size_bytes", len(audioData))
			return audioFile, nil

		default:
			if _, err := file.Seek(int64(chunkSize), io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("failed to skip chunk: %w", err)
			}
		}
	}

	return nil, fmt.Errorf("data chunk not found in WAV file")
}

// ResampleAudio converts audio to 8000 Hz mono 16-bit PCM
func ResampleAudio(audioFile *AudioFile) ([]byte, error) {
	const targetSampleRate = 8000

	if audioFile.BitsPerSample != 16 {
		return nil, fmt.Errorf("unsupported bits per sample: %d", audioFile.BitsPerSample)
	}

	// Downmix to mono first
	var monoPCM []byte
	switch audioFile.NumChannels {
	case 1:
		monoPCM = audioFile.PCMData
	case 2:
		monoPCM = make([]byte, len(audioFile.PCMData)/2)
		for i := 0; i+3 < len(audioFile.PCMData); i += 4 {
			left := int16(audioFile.PCMData[i]) | int16(audioFile.PCMData[i+1])<<8
			right := int16(audioFile.PCMData[i+2]) | int16(audioFile.PCMData[i+3])<<8
			mono := (int32(left) + int32(right)) / 2
			monoPCM[i/2] = byte(mono)
			monoPCM[i/2+1] = byte(mono >> 8)
		}
	default:
		return nil, fmt.Errorf("unsupported number of channels: %d", audioFile.NumChannels)
	}

	if audioFile.SampleRate == targetSampleRate {
		return monoPCM, nil
	}

	slog.Debug("[Media] Resampling audio", "from", audioFile.SampleRate, "to", targetSampleRate, "input_bytes", len(monoPCM))

	// Linear interpolation resampling
	ratio := float64(audioFile.SampleRate) / float64(targetSampleRate)
	outputSamples := int(float64(len(monoPCM)/2) / ratio)
	outputPCM := make([]byte, outputSamples*2)

	for i := 0; i < outputSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		if srcIdx+2 >= len(monoPCM)/2 {
			outputPCM = outputPCM[:i*2]
			break
		}

		sample1 := int16(monoPCM[srcIdx*2]) | int16(monoPCM[srcIdx*2+1])<<8
		sample2 := int16(monoPCM[(srcIdx+1)*2]) | int16(monoPCM[(srcIdx+1)*2+1])<<8

		interpolated := int16(float64(sample1)*(1-frac) + float64(sample2)*frac)

		outputPCM[i*2] = byte(interpolated)
		outputPCM[i*2+1] = byte(interpolated >> 8)
	}

	return outputPCM, nil
}

// PCMToPCMA converts 16-bit little-endian PCM to A-law
func PCMToPCMA(pcm []byte) []byte {
	return EncodeAlaw(pcm)
}
