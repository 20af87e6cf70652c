package workflow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// RESTClient talks to a Camunda-style engine REST API
type RESTClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewRESTClient(baseURL string, httpClient *http.Client) *RESTClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &RESTClient{baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"), httpClient: httpClient}
}

// EngineError is a non-2xx answer from the engine
type EngineError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine http %d: %s: %s", e.StatusCode, e.Type, e.Message)
}

// ambiguousCorrelation matches the engine's MismatchingMessageCorrelationException
// texts, e.g. "Cannot correlate message 'pong': 2 executions match the correlation
// keys: CorrelationSet [...]" or "Cannot correlate a message to a single execution - 3 executions match"
var ambiguousCorrelation = regexp.MustCompile(`\d+ (?:executions|process definitions) match|to a single (?:execution|process instance|process definition)`)

// Is maps the engine's correlation failures onto the package sentinels
func (e *EngineError) Is(target error) bool {
	msg := strings.ToLower(e.Message)
	switch target {
	case ErrAmbiguousCorrelation:
		return ambiguousCorrelation.MatchString(msg)
	case ErrNoMatchingInstance:
		return strings.Contains(msg, "no process definition or execution matches")
	case ErrDefinitionNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

type definitionDTO struct {
	ID         string `json:"id"`
	Key        string `json:"key"`
	Version    int    `json:"version"`
	VersionTag string `json:"versionTag"`
	Suspended  bool   `json:"suspended"`
}

type instanceDTO struct {
	ID           string `json:"id"`
	DefinitionID string `json:"definitionId"`
	BusinessKey  string `json:"businessKey"`
}

type variableDTO struct {
	Value any    `json:"value"`
	Type  string `json:"type,omitempty"`
}

type messageDTO struct {
	MessageName          string                 `json:"messageName"`
	BusinessKey          string                 `json:"businessKey,omitempty"`
	CorrelationKeys      map[string]variableDTO `json:"correlationKeys,omitempty"`
	LocalCorrelationKeys map[string]variableDTO `json:"localCorrelationKeys,omitempty"`
	ProcessVariables     map[string]variableDTO `json:"processVariables,omitempty"`
	StartMessagesOnly    bool                   `json:"startMessagesOnly,omitempty"`
	ResultEnabled        bool                   `json:"resultEnabled"`
}

type messageResultDTO struct {
	ResultType      string       `json:"resultType"`
	ProcessInstance *instanceDTO `json:"processInstance"`
}

func (c *RESTClient) Definition(ctx context.Context, key, versionTag string) (Definition, error) {
	q := url.Values{}
	q.Set("key", key)
	q.Set("active", "true")
	if versionTag != "" {
		q.Set("versionTag", versionTag)
	} else {
		q.Set("latestVersion", "true")
	}

	var defs []definitionDTO
	if err := c.do(ctx, http.MethodGet, "/process-definition?"+q.Encode(), nil, &defs); err != nil {
		return Definition{}, err
	}
	var best *definitionDTO
	for i := range defs {
		if defs[i].Suspended {
			continue
		}
		if best == nil || defs[i].Version > best.Version {
			best = &defs[i]
		}
	}
	if best == nil {
		return Definition{}, fmt.Errorf("%w: key %q, version %q", ErrDefinitionNotFound, key, versionTag)
	}
	return Definition{ID: best.ID, Key: best.Key, VersionTag: best.VersionTag, Version: best.Version}, nil
}

func (c *RESTClient) StartProcessInstanceByMessage(ctx context.Context, messageName, definitionID, businessKey string, vars Variables) (Instance, error) {
	body := messageDTO{
		MessageName:       messageName,
		BusinessKey:       businessKey,
		ProcessVariables:  toVariables(vars),
		StartMessagesOnly: true,
		ResultEnabled:     true,
	}
	var results []messageResultDTO
	if err := c.do(ctx, http.MethodPost, "/message", body, &results); err != nil {
		return Instance{}, err
	}
	for _, r := range results {
		if r.ProcessInstance != nil {
			inst := Instance{ID: r.ProcessInstance.ID, DefinitionID: r.ProcessInstance.DefinitionID, BusinessKey: r.ProcessInstance.BusinessKey}
			if inst.DefinitionID != "" && inst.DefinitionID != definitionID {
				return inst, fmt.Errorf("message %q started definition %s, expected %s", messageName, inst.DefinitionID, definitionID)
			}
			return inst, nil
		}
	}
	return Instance{}, fmt.Errorf("message %q did not start a process instance", messageName)
}

func (c *RESTClient) FindInstances(ctx context.Context, definitionID, businessKey string) ([]Instance, bool, error) {
	q := url.Values{}
	q.Set("processDefinitionId", definitionID)
	q.Set("businessKey", businessKey)
	q.Set("active", "true")
	instances, err := c.instances(ctx, q)
	if err != nil || len(instances) > 0 {
		return instances, false, err
	}

	q.Del("businessKey")
	q.Set("variables", VariableAlternativeBusinessKey+"_eq_"+businessKey)
	instances, err = c.instances(ctx, q)
	return instances, len(instances) > 0, err
}

func (c *RESTClient) instances(ctx context.Context, q url.Values) ([]Instance, error) {
	var dtos []instanceDTO
	if err := c.do(ctx, http.MethodGet, "/process-instance?"+q.Encode(), nil, &dtos); err != nil {
		return nil, err
	}
	out := make([]Instance, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, Instance{ID: d.ID, DefinitionID: d.DefinitionID, BusinessKey: d.BusinessKey})
	}
	return out, nil
}

func (c *RESTClient) CorrelateMessage(ctx context.Context, corr Correlation) error {
	body := messageDTO{
		MessageName:      corr.MessageName,
		ProcessVariables: toVariables(corr.Variables),
	}
	if corr.ByAlternativeBusinessKey {
		body.CorrelationKeys = map[string]variableDTO{
			VariableAlternativeBusinessKey: {Value: corr.BusinessKey, Type: "String"},
		}
	} else {
		body.BusinessKey = corr.BusinessKey
	}
	if corr.CorrelationKey != "" {
		body.LocalCorrelationKeys = map[string]variableDTO{
			VariableCorrelationKey: {Value: corr.CorrelationKey, Type: "String"},
		}
	}
	return c.do(ctx, http.MethodPost, "/message", body, nil)
}

func (c *RESTClient) do(ctx context.Context, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		payload, err := sonic.ConfigStd.Marshal(in)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		engineErr := &EngineError{StatusCode: resp.StatusCode}
		var body struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}
		if sonic.Unmarshal(data, &body) == nil {
			engineErr.Type, engineErr.Message = body.Type, body.Message
		}
		if engineErr.Message == "" {
			engineErr.Message = strings.TrimSpace(string(data))
		}
		return engineErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return sonic.Unmarshal(data, out)
}

func toVariables(vars Variables) map[string]variableDTO {
	if len(vars) == 0 {
		return nil
	}
	out := make(map[string]variableDTO, len(vars))
	for k, v := range vars {
		out[k] = variableDTO{Value: v, Type: variableType(v)}
	}
	return out
}

func variableType(v any) string {
	switch v.(type) {
	case string:
		return "String"
	case bool:
		return "Boolean"
	case int, int32:
		return "Integer"
	case int64:
		return "Long"
	case float32, float64:
		return "Double"
	case nil:
		return "Null"
	default:
		return "Json"
	}
}
