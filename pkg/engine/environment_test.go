package engine

import "testing"

func TestNewEnvironment(t *testing.T) {
	tests := []struct {
		name          string
		account       string
		region        string
		wantErr       bool
		wantPartition string
		wantSuffix    string
	}{
		{name: "commercial", account: "123456789012", region: "us-east-1", wantPartition: "aws", wantSuffix: "amazonaws.com"},
		{name: "china", account: "123456789012", region: "cn-north-1", wantPartition: "aws-cn", wantSuffix: "amazonaws.com.cn"},
		{name: "govcloud", account: "123456789012", region: "us-gov-west-1", wantPartition: "aws-us-gov", wantSuffix: "amazonaws.com"},
		{name: "short account", account: "1234", region: "us-east-1", wantErr: true},
		{name: "bad region", account: "123456789012", region: "mars", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := NewEnvironment(tt.account, tt.region)
			if tt.wantErr {
				if !IsValidation(err) {
					t.Fatalf("Expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if env.Partition != tt.wantPartition {
				t.Errorf("Partition = %s, want %s", env.Partition, tt.wantPartition)
			}
			if env.URLSuffix != tt.wantSuffix {
				t.Errorf("URLSuffix = %s, want %s", env.URLSuffix, tt.wantSuffix)
			}
		})
	}
}

func TestEnvironment_ARNs(t *testing.T) {
	env, _ := NewEnvironment("123456789012", "eu-west-1")

	if got := env.ServicePrincipal("ec2"); got != "ec2.amazonaws.com" {
		t.Errorf("ServicePrincipal = %s", got)
	}
	if got := env.ManagedPolicyARN("AmazonEKS_CNI_Policy"); got != "arn:aws:iam::aws:policy/AmazonEKS_CNI_Policy" {
		t.Errorf("ManagedPolicyARN = %s", got)
	}
	if got := env.ARN("ecr", env.Region, "repository/multi-arch"); got != "arn:aws:ecr:eu-west-1:123456789012:repository/multi-arch" {
		t.Errorf("ARN = %s", got)
	}
}

func TestParseARN(t *testing.T) {
	parsed, err := ParseARN("arn:aws:codestar-connections:eu-west-1:123456789012:connection/abc")
	if err != nil {
		t.Fatalf("ParseARN failed: %v", err)
	}
	if parsed.Service != "codestar-connections" || parsed.AccountID != "123456789012" {
		t.Errorf("Unexpected parse result: %+v", parsed)
	}

	if _, err := ParseARN("not-an-arn"); !IsValidation(err) {
		t.Errorf("Expected validation error, got %v", err)
	}
}
