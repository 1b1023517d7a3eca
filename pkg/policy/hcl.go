package policy

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// policyFile is the HCL shape of a guardrail bundle:
//
//	policy "no-prod-biz-hours" {
//	  rule_type = "time_restriction"
//	  action    = "block"
//	  condition {
//	    environments        = [prod]
//	    blocked_hours_start = 9
//	    blocked_hours_end   = 17
//	  }
//	}
//
//	custom_rule "wide-blast" {
//	  expression = "dependency_count > 25 && environment == 'Prod'"
//	  action     = "warn"
//	}
type policyFile struct {
	Policies []policyBlock `hcl:"policy,block"`
	Rules    []ruleBlock   `hcl:"custom_rule,block"`
}

type policyBlock struct {
	Name      string     `hcl:"name,label"`
	RuleType  string     `hcl:"rule_type"`
	Action    string     `hcl:"action"`
	Enabled   *bool      `hcl:"enabled,optional"`
	Condition *Condition `hcl:"condition,block"`
}

type ruleBlock struct {
	Name       string `hcl:"name,label"`
	Expression string `hcl:"expression"`
	Action     string `hcl:"action"`
}

// hclEvalContext exposes the well-known environment and change-type names as
// variables so policy files can reference them unquoted.
func hclEvalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"prod":     cty.StringVal("Prod"),
			"preprod":  cty.StringVal("Preprod"),
			"dc1":      cty.StringVal("DC1"),
			"dc2":      cty.StringVal("DC2"),
			"firewall": cty.StringVal("Firewall"),
			"switch":   cty.StringVal("Switch"),
			"vlan":     cty.StringVal("VLAN"),
			"port":     cty.StringVal("Port"),
			"rack":     cty.StringVal("Rack"),
			"cloud_sg": cty.StringVal("CloudSG"),
		},
	}
}

// LoadHCLFile parses a guardrail bundle and registers its contents. The
// whole file is rejected on the first invalid policy so a bad bundle never
// half-loads.
func (e *Engine) LoadHCLFile(path string) error {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return fmt.Errorf("parse policy file %s: %w", path, diags)
	}
	return e.loadHCLBody(file.Body, path)
}

// LoadHCL parses an in-memory guardrail bundle, for tests and embedded
// defaults.
func (e *Engine) LoadHCL(src []byte, filename string) error {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return fmt.Errorf("parse policy source %s: %w", filename, diags)
	}
	return e.loadHCLBody(file.Body, filename)
}

func (e *Engine) loadHCLBody(body hcl.Body, name string) error {
	var cfg policyFile
	if diags := gohcl.DecodeBody(body, hclEvalContext(), &cfg); diags.HasErrors() {
		return fmt.Errorf("decode policy source %s: %w", name, diags)
	}

	staged := make([]Policy, 0, len(cfg.Policies))
	for _, pb := range cfg.Policies {
		p := Policy{
			Name:     pb.Name,
			RuleType: RuleType(pb.RuleType),
			Action:   Verdict(pb.Action),
			Enabled:  pb.Enabled == nil || *pb.Enabled,
		}
		if pb.Condition != nil {
			p.Condition = *pb.Condition
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("policy source %s: %w", name, err)
		}
		staged = append(staged, p)
	}

	for _, p := range staged {
		if _, err := e.Add(p); err != nil {
			return err
		}
	}
	for _, rb := range cfg.Rules {
		if _, err := e.AddDynamicRule(rb.Name, rb.Expression, Verdict(rb.Action)); err != nil {
			return fmt.Errorf("policy source %s: %w", name, err)
		}
	}
	return nil
}
