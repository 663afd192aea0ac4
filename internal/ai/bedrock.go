package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// BedrockAnalyzer implements PageAnalyzer on AWS Bedrock (Claude).
// All page content stays within AWS - no external API calls.
type BedrockAnalyzer struct {
	client  *bedrockruntime.Client
	modelID string
	region  string
}

// bedrockMessage represents a message in the Anthropic Bedrock format.
type bedrockMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Messages         []bedrockMessage `json:"messages"`
	Temperature      float64          `json:"temperature,omitempty"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// NewBedrockAnalyzer creates a Bedrock-backed page analyzer. An empty region
// falls back to AWS_REGION, then us-east-1.
func NewBedrockAnalyzer(ctx context.Context, modelID, region string) (*BedrockAnalyzer, error) {
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if modelID == "" {
		modelID = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}

	log.Printf("BedrockAnalyzer: Initialized with model=%s, region=%s", modelID, region)
	return &BedrockAnalyzer{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
		region:  region,
	}, nil
}

// AnalyzeText asks the model for the next action on an unsubscribe page.
// Markup is simplified before submission to bound token cost. Any provider
// or parse failure degrades to ActionError with zero confidence.
func (b *BedrockAnalyzer) AnalyzeText(ctx context.Context, markup, url string, priorActions []string) PageAnalysis {
	prior := "None"
	if len(priorActions) > 0 {
		prior = strings.Join(priorActions, " -> ")
	}

	prompt := fmt.Sprintf(`You are analyzing an unsubscribe page to determine the next action to take.

URL: %s
Previous actions: %s

Page HTML (simplified):
%s

Your task:
1. Determine what action is needed to unsubscribe (click button, fill form, etc.)
2. Provide the CSS selector for the element to interact with
3. Assess if unsubscribe is complete or needs more steps

Respond in JSON format:
{
  "action": "click" | "fill" | "submit" | "success" | "needs_manual" | "error",
  "reasoning": "explanation of what you see and why this action",
  "selector": "CSS selector for element",
  "value": "value to fill (if action is fill)",
  "confidence": 0.0-1.0,
  "nextStep": "what will happen after this action"
}

Examples:
- If you see an "Unsubscribe" button -> action: "click"
- If you see an "Email:" field -> action: "fill", selector: "input[type='email']", value: "(email)"
- If you see "You have been unsubscribed" -> action: "success"
- If the page requires login or CAPTCHA -> action: "needs_manual"`, url, prior, SimplifyHTML(markup))

	text, err := b.invoke(ctx, 1024, []contentBlock{{Type: "text", Text: prompt}})
	if err != nil {
		log.Printf("BedrockAnalyzer: text analysis failed: %v", err)
		return PageAnalysis{Action: ActionError, Reasoning: fmt.Sprintf("AI analysis failed: %v", err)}
	}

	raw, err := ExtractJSON(text)
	if err != nil {
		log.Printf("BedrockAnalyzer: no JSON in text analysis response: %v", err)
		return PageAnalysis{Action: ActionError, Reasoning: fmt.Sprintf("AI analysis failed: %v", err)}
	}

	var analysis PageAnalysis
	if err := json.Unmarshal([]byte(raw), &analysis); err != nil {
		log.Printf("BedrockAnalyzer: malformed analysis JSON: %v", err)
		return PageAnalysis{Action: ActionError, Reasoning: fmt.Sprintf("AI analysis failed: %v", err)}
	}

	log.Printf("BedrockAnalyzer: %s -> %s (confidence %.2f)", url, analysis.Action, analysis.Confidence)
	return analysis
}

// VerifyScreenshot asks the vision model whether the screenshot shows a
// completed unsubscribe. Used only to confirm claimed success, never to
// drive navigation. Failures degrade to IsSuccess=false, Confidence 0.
func (b *BedrockAnalyzer) VerifyScreenshot(ctx context.Context, screenshotPNG []byte, url, verifyContext string) VisualVerification {
	if verifyContext == "" {
		verifyContext = "Verify if unsubscribe was successful"
	}

	prompt := fmt.Sprintf(`You are analyzing a screenshot of an unsubscribe page.

URL: %s
Context: %s

Look at the screenshot and determine:
1. Is the unsubscribe process complete? Look for confirmation messages like "You've been unsubscribed", "Subscription updated", etc.
2. Are there any error messages?
3. Does the page still show unsubscribe buttons/forms?

Respond in JSON format:
{
  "isSuccess": true/false,
  "reasoning": "what you see in the screenshot",
  "confidence": 0.0-1.0
}`, url, verifyContext)

	blocks := []contentBlock{
		{Type: "image", Source: &imageSource{
			Type:      "base64",
			MediaType: "image/png",
			Data:      base64.StdEncoding.EncodeToString(screenshotPNG),
		}},
		{Type: "text", Text: prompt},
	}

	text, err := b.invoke(ctx, 512, blocks)
	if err != nil {
		log.Printf("BedrockAnalyzer: vision verification failed: %v", err)
		return VisualVerification{Reasoning: fmt.Sprintf("AI vision analysis failed: %v", err)}
	}

	raw, err := ExtractJSON(text)
	if err != nil {
		log.Printf("BedrockAnalyzer: no JSON in vision response: %v", err)
		return VisualVerification{Reasoning: fmt.Sprintf("AI vision analysis failed: %v", err)}
	}

	var verification VisualVerification
	if err := json.Unmarshal([]byte(raw), &verification); err != nil {
		log.Printf("BedrockAnalyzer: malformed vision JSON: %v", err)
		return VisualVerification{Reasoning: fmt.Sprintf("AI vision analysis failed: %v", err)}
	}

	log.Printf("BedrockAnalyzer: %s -> success=%v (confidence %.2f)", url, verification.IsSuccess, verification.Confidence)
	return verification
}

func (b *BedrockAnalyzer) invoke(ctx context.Context, maxTokens int, blocks []contentBlock) (string, error) {
	request := bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Messages: []bedrockMessage{
			{Role: "user", Content: blocks},
		},
	}

	body, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", fmt.Errorf("Bedrock API error: %w", err)
	}

	var response bedrockResponse
	if err := json.Unmarshal(output.Body, &response); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	var text string
	for _, content := range response.Content {
		if content.Type == "text" {
			text += content.Text
		}
	}
	return text, nil
}

// GetModelID returns the Bedrock model being used.
func (b *BedrockAnalyzer) GetModelID() string { return b.modelID }
