package merger

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/kotovox/kotovox/internal/ledger"
)

var (
	// ErrMissingAudio means a manifest entry's file is absent on disk.
	ErrMissingAudio = errors.New("merge: audio file missing")
	// ErrSequenceGap means the manifest contains unsynthesized utterances;
	// merging would silently skip text. Callers must opt in explicitly.
	ErrSequenceGap = errors.New("merge: incomplete utterance sequence")
	// ErrNothingToMerge means no synthesized entries were found at all.
	ErrNothingToMerge = errors.New("merge: no synthesized audio")
)

// Merge concatenates the manifest's audio files, in manifest order, into a
// single WAV at outPath. Entry file paths are resolved against baseDir.
// Unless allowGaps is set, any failed or pending entry aborts the merge.
func Merge(m ledger.Manifest, baseDir, outPath string, allowGaps bool, logger *slog.Logger) error {
	log := logger.With(slog.String("component", "merger"))

	var files []string
	for _, e := range m.Entries {
		if e.Status != ledger.StatusSynthesized {
			if !allowGaps {
				return fmt.Errorf("%w: line %d.%d is %s", ErrSequenceGap, e.LineSeq, e.IntraIndex, e.Status)
			}
			log.Warn("skipping unsynthesized utterance",
				slog.Int("line_seq", e.LineSeq),
				slog.Int("intra_index", e.IntraIndex),
				slog.String("status", e.Status))
			continue
		}
		files = append(files, filepath.Join(baseDir, e.File))
	}
	if len(files) == 0 {
		return ErrNothingToMerge
	}

	var combined *audio.IntBuffer
	bitDepth := 0
	for _, path := range files {
		buf, depth, err := readPCM(path)
		if err != nil {
			return err
		}
		if combined == nil {
			combined = buf
			bitDepth = depth
			continue
		}
		if buf.Format.SampleRate != combined.Format.SampleRate || buf.Format.NumChannels != combined.Format.NumChannels {
			return fmt.Errorf("merge: format mismatch at %s: %d/%dch vs %d/%dch",
				path, buf.Format.SampleRate, buf.Format.NumChannels,
				combined.Format.SampleRate, combined.Format.NumChannels)
		}
		combined.Data = append(combined.Data, buf.Data...)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("merge: create output: %w", err)
	}
	enc := wav.NewEncoder(out, combined.Format.SampleRate, bitDepth, combined.Format.NumChannels, 1)
	if err := enc.Write(combined); err != nil {
		out.Close()
		return fmt.Errorf("merge: write output: %w", err)
	}
	if err := enc.Close(); err != nil {
		out.Close()
		return fmt.Errorf("merge: finalize output: %w", err)
	}
	if err := out.Close(); err != nil {
		return err
	}

	log.Info("merged audio",
		slog.Int("files", len(files)),
		slog.String("output", outPath))
	return nil
}

func readPCM(path string) (*audio.IntBuffer, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrMissingAudio, path)
		}
		return nil, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("merge: %s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("merge: decode %s: %w", path, err)
	}
	return buf, int(dec.BitDepth), nil
}

// Duration reads the play time of in-memory WAV data, used to annotate
// manifest entries right after synthesis.
func Duration(data []byte) (time.Duration, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return 0, errors.New("invalid wav data")
	}
	return dec.Duration()
}
