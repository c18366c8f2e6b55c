package store

import (
	"time"

	"github.com/google/uuid"
)

// Fixture data served when the gateway runs in degraded mode. IDs are fixed
// so dashboards and scripts see stable references across restarts.

var (
	fixtureArtifactCapture = uuid.MustParse("6f1c9a3e-0d0b-4a41-9c65-2a7f3d2b9101")
	fixtureArtifactLog     = uuid.MustParse("8b2d51c7-74a9-4f08-8d13-5e0ac41e9202")
	fixtureSessionID       = uuid.MustParse("0c4e7a19-6b3f-4d2c-9f81-7d5b28c39303")
)

func fixtureArtifacts() []Artifact {
	base := time.Date(2025, time.March, 14, 9, 30, 0, 0, time.UTC)
	return []Artifact{
		{
			ID:           fixtureArtifactCapture,
			Name:         "fronthaul_trace_du_ru.pcap",
			MediaType:    MediaCapture,
			SizeBytes:    104_857_600,
			Status:       StatusCompleted,
			AnomalyCount: 3,
			DurationMS:   42_517,
			CreatedAt:    base,
			UpdatedAt:    base.Add(43 * time.Second),
		},
		{
			ID:           fixtureArtifactLog,
			Name:         "ue_attach_sequence.log",
			MediaType:    MediaLog,
			SizeBytes:    24_576,
			Status:       StatusCompleted,
			AnomalyCount: 1,
			DurationMS:   3_204,
			CreatedAt:    base.Add(5 * time.Minute),
			UpdatedAt:    base.Add(5*time.Minute + 4*time.Second),
		},
	}
}

func fixtureAnomalies() []Anomaly {
	base := time.Date(2025, time.March, 14, 9, 31, 0, 0, time.UTC)
	return []Anomaly{
		{
			ID:           uuid.MustParse("3a9f02d1-88e4-4b1a-b7c9-640e15fa0a01"),
			ArtifactID:   fixtureArtifactCapture,
			Type:         "fronthaul_timing_violation",
			Description:  "DU-RU latency exceeded 100us threshold on eCPRI flow",
			Severity:     "high",
			SourceFile:   "fronthaul_trace_du_ru.pcap",
			PacketNumber: 1042,
			Confidence:   0.94,
			DetectedAt:   base,
		},
		{
			ID:           uuid.MustParse("5c1b84f6-2d73-4e9a-a1d5-913c270b0b02"),
			ArtifactID:   fixtureArtifactCapture,
			Type:         "timing_jitter",
			Description:  "Timing jitter above 50us across 240 consecutive frames",
			Severity:     "medium",
			SourceFile:   "fronthaul_trace_du_ru.pcap",
			PacketNumber: 2310,
			Confidence:   0.81,
			DetectedAt:   base.Add(12 * time.Second),
		},
		{
			ID:           uuid.MustParse("7e6da2b8-4f15-4c3d-bb27-e85491dc0c03"),
			ArtifactID:   fixtureArtifactCapture,
			Type:         "packet_loss",
			Description:  "Sequence gap in eCPRI message stream (17 frames missing)",
			Severity:     "high",
			SourceFile:   "fronthaul_trace_du_ru.pcap",
			PacketNumber: 5877,
			Confidence:   0.97,
			DetectedAt:   base.Add(25 * time.Second),
		},
		{
			ID:           uuid.MustParse("9d0fc4e2-61a8-4b56-9e33-fa2b06ed0d04"),
			ArtifactID:   fixtureArtifactLog,
			Type:         "ue_attach_failure",
			Description:  "UE attach rejected with cause 'RRC connection setup timeout'",
			Severity:     "medium",
			SourceFile:   "ue_attach_sequence.log",
			Confidence:   0.88,
			DetectedAt:   base.Add(5 * time.Minute),
		},
	}
}

func fixtureSessions() []Session {
	start := time.Date(2025, time.March, 14, 9, 30, 0, 0, time.UTC)
	end := start.Add(6 * time.Minute)
	return []Session{
		{
			ID:             fixtureSessionID,
			SourceFile:     "fronthaul_trace_du_ru.pcap",
			StartedAt:      start,
			EndedAt:        &end,
			FilesSubmitted: 2,
			FilesProcessed: 2,
			AnomaliesFound: 4,
			ProcessingMS:   45_721,
			CapturesCount:  1,
			LogFilesCount:  1,
			Status:         "complete",
		},
	}
}
