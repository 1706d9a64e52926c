package engine

import (
	"fmt"
	"strconv"

	"ripplecast/internal/models"
)

// SourceSpec describes the bytes a session feeds into a leg's stdin. Raw PCM
// carries no framing, so the sample rate and channel count must be explicit;
// container formats are self-describing.
type SourceSpec struct {
	Format     models.SourceFormat
	SampleRate int
	Channels   int
}

// Validate rejects specs the engine cannot express as demuxer arguments.
func (s SourceSpec) Validate() error {
	if _, err := models.ParseSourceFormat(string(s.Format)); err != nil {
		return err
	}
	if s.Format.RequiresSampleSpec() {
		if s.SampleRate <= 0 {
			return fmt.Errorf("source format %s requires a sample rate", s.Format)
		}
		if s.Channels <= 0 {
			return fmt.Errorf("source format %s requires a channel count", s.Format)
		}
	}
	return nil
}

// Spec is everything needed to spawn one leg. ArtifactPath is consumed by the
// durable-file kind, Target and PayloadType by live-network, OnOutput by
// live-fanout. OnExit fires once, asynchronously, after the process is reaped.
type Spec struct {
	SessionID    string
	Kind         models.LegKind
	Source       SourceSpec
	ArtifactPath string
	Target       string
	PayloadType  int
	OnOutput     func(chunk []byte)
	OnExit       func(err error)
}

// DefaultPayloadType is the dynamic RTP payload type used for the network leg
// when the deployment does not pin one.
const DefaultPayloadType = 111

const encodeBitrate = "128k"

// BuildArgs renders the full argument vector for one leg. All legs share the
// low-latency demux flags and the libopus encode profile; they differ in the
// output sink and its tuning.
func BuildArgs(spec Spec) ([]string, error) {
	if err := spec.Source.Validate(); err != nil {
		return nil, err
	}

	args := []string{"-hide_banner", "-nostats", "-loglevel", "warning"}
	args = append(args,
		"-fflags", "nobuffer",
		"-analyzeduration", "0",
		"-probesize", "32",
		"-use_wallclock_as_timestamps", "1",
	)
	args = append(args, inputFormatArgs(spec.Source)...)
	args = append(args, "-i", "pipe:0", "-vn", "-c:a", "libopus", "-b:a", encodeBitrate)

	switch spec.Kind {
	case models.LegDurable:
		if spec.ArtifactPath == "" {
			return nil, fmt.Errorf("durable leg requires an artifact path")
		}
		args = append(args, "-f", "ogg", "-y", spec.ArtifactPath)
	case models.LegFanout:
		// Small ogg pages keep pull clients close to live.
		args = append(args, "-page_duration", "20000", "-f", "ogg", "pipe:1")
	case models.LegNetwork:
		if spec.Target == "" {
			return nil, fmt.Errorf("network leg requires a target address")
		}
		payloadType := spec.PayloadType
		if payloadType == 0 {
			payloadType = DefaultPayloadType
		}
		args = append(args,
			"-application", "lowdelay",
			"-frame_duration", "20",
			"-packet_loss", "10",
			"-fec", "1",
			"-payload_type", strconv.Itoa(payloadType),
			"-f", "rtp", "rtp://"+spec.Target,
		)
	default:
		return nil, fmt.Errorf("unknown pipeline leg %q", spec.Kind)
	}

	return args, nil
}

func inputFormatArgs(source SourceSpec) []string {
	switch source.Format {
	case models.FormatRawPCM:
		return []string{
			"-f", "s16le",
			"-ar", strconv.Itoa(source.SampleRate),
			"-ac", strconv.Itoa(source.Channels),
		}
	case models.FormatContainerWebM:
		return []string{"-f", "webm"}
	case models.FormatContainerOgg:
		return []string{"-f", "ogg"}
	case models.FormatRawOpus:
		return []string{"-f", "opus"}
	default:
		return nil
	}
}
