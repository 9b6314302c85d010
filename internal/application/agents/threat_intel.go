package agents

import (
	"context"
	"encoding/json"

	"github.com/creditx/platform-core/internal/domain/agent"
)

const threatThreshold = 70

// ThreatIntel analyzes network traffic and scores threats.
type ThreatIntel struct{}

type threatIntelInput struct {
	PacketData *packetData `json:"packet_data"`
	SourceIP   string      `json:"source_ip"`
	DestIP     string      `json:"dest_ip"`
	DNSQuery   string      `json:"dns_query"`
}

type packetData struct {
	Protocol string   `json:"protocol"`
	Size     int      `json:"size"`
	Flags    []string `json:"flags"`
}

func (a *ThreatIntel) Validate(ctx context.Context, input json.RawMessage) error {
	var in threatIntelInput
	if err := json.Unmarshal(input, &in); err != nil {
		return agent.NewValidationError("input", "must be a JSON object")
	}
	if in.PacketData == nil && in.SourceIP == "" && in.DNSQuery == "" {
		return agent.NewValidationError("input", "packet_data, source_ip or dns_query is required")
	}
	return nil
}

func (a *ThreatIntel) Execute(ctx context.Context, state agent.State) (json.RawMessage, error) {
	var in threatIntelInput
	if err := json.Unmarshal(state.Input, &in); err != nil {
		return nil, err
	}

	analysis := analyzePacket(in.PacketData)
	matches := queryThreatFeeds(in.SourceIP, in.DestIP, in.DNSQuery)
	score := threatScore(analysis, matches)

	out := map[string]interface{}{
		"status":          "completed",
		"threat_score":    score,
		"threat_detected": score > threatThreshold,
		"iocs_matched":    len(matches),
	}
	if score > threatThreshold {
		severity := "medium"
		if score > 85 {
			severity = "high"
		}
		out["threat_event"] = map[string]interface{}{
			"id":           "threat_" + shortID(),
			"source_ip":    in.SourceIP,
			"dest_ip":      in.DestIP,
			"threat_score": score,
			"threat_type":  "suspicious_activity",
			"severity":     severity,
		}
	}
	return json.Marshal(out)
}

type packetAnalysis struct {
	protocol  string
	anomalies []string
}

func analyzePacket(p *packetData) packetAnalysis {
	a := packetAnalysis{protocol: "TCP"}
	if p == nil {
		return a
	}
	if p.Protocol != "" {
		a.protocol = p.Protocol
	}
	for _, flag := range p.Flags {
		if flag == "URG" || flag == "malformed" {
			a.anomalies = append(a.anomalies, flag)
		}
	}
	if p.Size > 9000 {
		a.anomalies = append(a.anomalies, "oversized_payload")
	}
	return a
}

// queryThreatFeeds matches against a static IOC set. A live feed integration
// would replace this lookup.
func queryThreatFeeds(sourceIP, destIP, dnsQuery string) []string {
	known := map[string]bool{
		"198.51.100.66":     true,
		"203.0.113.13":      true,
		"malware.test":      true,
		"exfil.example.com": true,
	}
	var matches []string
	for _, candidate := range []string{sourceIP, destIP, dnsQuery} {
		if candidate != "" && known[candidate] {
			matches = append(matches, candidate)
		}
	}
	return matches
}

func threatScore(analysis packetAnalysis, matches []string) int {
	score := 0
	if len(matches) > 0 {
		score += 50
	}
	if len(analysis.anomalies) > 0 {
		score += 30
	}
	if len(matches) > 1 {
		score += 20
	}
	if score > 100 {
		score = 100
	}
	return score
}
