package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/arn"
)

var (
	accountPattern = regexp.MustCompile(`^[0-9]{12}$`)
	regionPattern  = regexp.MustCompile(`^[a-z]{2}(-gov|-iso[a-z]*)?-[a-z]+-[0-9]$`)
)

// Environment is the target account and region of a stack. It is passed
// explicitly to every construct; nothing reads it from ambient state.
type Environment struct {
	// Account is the 12-digit account ID.
	Account string `json:"account"`

	// Region is the target region (e.g., "eu-west-1").
	Region string `json:"region"`

	// Partition is derived from the region when empty.
	Partition string `json:"partition,omitempty"`

	// URLSuffix is derived from the partition when empty.
	URLSuffix string `json:"url_suffix,omitempty"`
}

// NewEnvironment creates a validated environment with derived partition and URL suffix.
func NewEnvironment(account, region string) (Environment, error) {
	env := Environment{Account: account, Region: region}
	if err := env.Validate(); err != nil {
		return Environment{}, err
	}
	return env.withDefaults(), nil
}

// Validate checks the account and region format.
func (e Environment) Validate() error {
	if !accountPattern.MatchString(e.Account) {
		return NewValidationError(fmt.Sprintf("invalid account id %q: must be 12 digits", e.Account), nil)
	}
	if !regionPattern.MatchString(e.Region) {
		return NewValidationError(fmt.Sprintf("invalid region %q", e.Region), nil)
	}
	return nil
}

func (e Environment) withDefaults() Environment {
	if e.Partition == "" {
		switch {
		case strings.HasPrefix(e.Region, "cn-"):
			e.Partition = "aws-cn"
		case strings.HasPrefix(e.Region, "us-gov-"):
			e.Partition = "aws-us-gov"
		default:
			e.Partition = "aws"
		}
	}
	if e.URLSuffix == "" {
		if e.Partition == "aws-cn" {
			e.URLSuffix = "amazonaws.com.cn"
		} else {
			e.URLSuffix = "amazonaws.com"
		}
	}
	return e
}

// ServicePrincipal returns the service principal for a service in this partition
// (e.g., "ec2.amazonaws.com").
func (e Environment) ServicePrincipal(service string) string {
	return service + "." + e.withDefaults().URLSuffix
}

// ARN builds an ARN scoped to this environment's account and region.
// Pass an empty region for global services such as IAM.
func (e Environment) ARN(service, region, resource string) string {
	return arn.ARN{
		Partition: e.withDefaults().Partition,
		Service:   service,
		Region:    region,
		AccountID: e.Account,
		Resource:  resource,
	}.String()
}

// ManagedPolicyARN returns the ARN of a provider-managed IAM policy.
func (e Environment) ManagedPolicyARN(name string) string {
	return arn.ARN{
		Partition: e.withDefaults().Partition,
		Service:   "iam",
		AccountID: "aws",
		Resource:  "policy/" + name,
	}.String()
}

// ParseARN validates and splits an ARN string.
func ParseARN(s string) (arn.ARN, error) {
	parsed, err := arn.Parse(s)
	if err != nil {
		return arn.ARN{}, NewValidationError(fmt.Sprintf("invalid ARN %q", s), err)
	}
	return parsed, nil
}
