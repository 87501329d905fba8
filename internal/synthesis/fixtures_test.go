package synthesis

import (
	"time"

	"github.com/mohammad-safakhou/dossier/internal/citations"
	"github.com/mohammad-safakhou/dossier/internal/protocol"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func completed(code string, p protocol.Payload) protocol.StepResult {
	if p.KeyPoints == nil {
		p.KeyPoints = []string{}
	}
	return protocol.StepResult{RunID: "run-1", StepCode: code, Status: protocol.StepCompleted, Payload: p, Attempts: 1}
}

func placeholder(code string) protocol.StepResult {
	return protocol.StepResult{
		RunID:    "run-1",
		StepCode: code,
		Status:   protocol.StepFailed,
		Payload:  protocol.PlaceholderPayload(protocol.KindGeneral, "retrieval: network unreachable"),
		Attempts: 1,
	}
}

func sampleResults() []protocol.StepResult {
	return []protocol.StepResult{
		completed("S01", protocol.Payload{
			Kind:      protocol.KindGeneral,
			Summary:   "Acme builds industrial widgets for logistics firms. It sells through distributors.",
			KeyPoints: []string{"Acme ships widgets to forty countries", "Distributor margins are shrinking"},
			Citations: citations.FromStrings("https://www.reuters.com/acme-widgets"),
		}),
		completed("S02", protocol.Payload{
			Kind:      protocol.KindPressures,
			Summary:   "Input costs and pricing pressure dominate.",
			KeyPoints: []string{"Steel prices rose 12% in 2024"},
			Pressures: []protocol.Pressure{
				{Name: "Input cost inflation", Description: "Steel and resin prices keep rising", Severity: "high"},
				{Name: "Distributor consolidation", Severity: "medium"},
			},
			Citations: []citations.RawCitation{{Fields: map[string]any{
				"url": "https://www.sec.gov/acme-10k", "title": "Acme 10-K", "published_at": "2025-04-20",
			}}},
		}),
		placeholder("S03"),
		completed("S05", protocol.Payload{
			Kind:    protocol.KindMetrics,
			Summary: "Revenue held steady.",
			Metrics: []protocol.Metric{{Name: "Revenue", Value: 1.2, Unit: "billion USD", Period: "FY2024"}},
		}),
		completed("S09", protocol.Payload{
			Kind:      protocol.KindLevers,
			Summary:   "Direct sales can lift margins.",
			Levers:    []protocol.Lever{{Name: "Direct online sales", Description: "Sell replacement parts online", Impact: "high"}},
			Citations: citations.FromStrings("https://www.reuters.com/acme-widgets?utm_source=feed"),
		}),
		completed("S11", protocol.Payload{
			Kind:    protocol.KindSignals,
			Summary: "Automation budgets are returning.",
			Signals: []protocol.Signal{{Signal: "Warehouse automation budgets reopen", Window: "next 2 quarters", Direction: "up"}},
		}),
	}
}

func sampleInput(withSecondary bool) Input {
	in := Input{
		Run: protocol.Run{ID: "run-1", PrimaryEntityID: "e1", Status: protocol.RunCompleted},
		Primary: protocol.Entity{
			ID: "e1", Name: "Acme", Industry: "Industrial equipment",
			Description: "Acme manufactures warehouse widgets and automation parts.",
			Tags:        []string{"logistics", "automation"},
		},
		Results: sampleResults(),
	}
	if withSecondary {
		in.Run.SecondaryEntityID = "e2"
		in.Secondary = &protocol.Entity{
			ID: "e2", Name: "Globex", Industry: "Industrial equipment",
			Description: "Globex sells automation software to warehouse operators.",
			Tags:        []string{"automation", "software"},
		}
	}
	return in
}
