// Package report renders completed review results to files. It is a
// narrow boundary: callers invoke it fire-and-forget and a failed render
// never fails the review task.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/crevhq/crev/internal/models"
)

// Generator writes JSON review reports under a base directory.
type Generator struct {
	dir string
}

// NewGenerator creates a report generator rooted at dir.
func NewGenerator(dir string) *Generator {
	return &Generator{dir: dir}
}

// reportDoc is the on-disk report shape.
type reportDoc struct {
	GeneratedAt  time.Time          `json:"generated_at"`
	ContractID   string             `json:"contract_id"`
	ContractNo   string             `json:"contract_no"`
	Title        string             `json:"title"`
	OverallScore float64            `json:"overall_score"`
	RiskLevel    models.RiskLevel   `json:"risk_level"`
	RiskCount    int                `json:"risk_count"`
	Summary      string             `json:"summary"`
	Data         *models.ReviewData `json:"review_data,omitempty"`
}

// Generate writes the result as a JSON report and returns its path.
func (g *Generator) Generate(contract *models.Contract, result *models.ReviewResult) (string, error) {
	if err := os.MkdirAll(g.dir, 0755); err != nil {
		return "", fmt.Errorf("create report directory: %w", err)
	}

	doc := reportDoc{
		GeneratedAt:  time.Now().UTC(),
		ContractID:   contract.ID,
		ContractNo:   contract.ContractNo,
		Title:        contract.Title,
		OverallScore: result.OverallScore,
		RiskLevel:    result.RiskLevel,
		RiskCount:    result.RiskCount,
		Summary:      result.Summary,
		Data:         result.Data,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}

	path := filepath.Join(g.dir, fmt.Sprintf("review-%s.json", result.ID))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}
