package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengis/chengis/pkg/models"
)

const sampleChengisfile = `
; service build
{:name "payment-service"
 :description "Build and ship the payment service"
 :env {:java_home "/opt/jdk"}
 :stages [{:name "Build"
           :steps [{:name "Compile" :run "mvn compile" :timeout 30000}]}
          {:name "Test"
           :parallel true
           :steps [{:name "Unit" :run "mvn test"}
                   {:name "Lint" :run "mvn checkstyle:check" :continue-on-error true}]}
          {:name "Package"
           :steps [{:name "Image" :run "make image" :image "docker:27" :timeout 600000}]}]
 :post {:always [{:name "Report" :run "mvn surefire-report:report"}]
        :on-failure [{:name "Dump" :run "cat target/logs/*.log"}]}
 :artifacts ["target/*.jar" "target/reports/**"]
 :notify [{:type "slack" :config {:channel "#builds"}}]}
`

func TestChengisfileParse(t *testing.T) {
	p, err := NewRegistry().Parse("Chengisfile", []byte(sampleChengisfile))
	require.NoError(t, err)

	assert.Equal(t, "payment-service", p.Name)
	assert.Equal(t, map[string]string{"java_home": "/opt/jdk"}, p.Env)
	require.Len(t, p.Stages, 3)

	build := p.Stages[0]
	require.Len(t, build.Steps, 1)
	assert.Equal(t, 30*time.Second, build.Steps[0].Common().Timeout)

	test := p.Stages[1]
	assert.True(t, test.Parallel)
	require.Len(t, test.Steps, 2)
	assert.True(t, test.Steps[1].Common().ContinueOnError)

	pack := p.Stages[2].Steps[0]
	docker, ok := pack.(*models.DockerStep)
	require.True(t, ok)
	assert.Equal(t, "docker:27", docker.Image)
	assert.Equal(t, 10*time.Minute, docker.Timeout)

	require.NotNil(t, p.Post)
	assert.Len(t, p.Post.Always, 1)
	assert.Len(t, p.Post.OnFailure, 1)
	assert.Equal(t, []string{"target/*.jar", "target/reports/**"}, p.Artifacts)
	require.Len(t, p.Notify, 1)
	assert.Equal(t, "slack", p.Notify[0].Type)
	assert.Equal(t, "#builds", p.Notify[0].Config["channel"])
}

func TestChengisfileRejectsTaggedLiterals(t *testing.T) {
	_, err := NewRegistry().Parse("Chengisfile",
		[]byte(`{:stages #inst "2026-01-01"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tagged literals")
}

func TestChengisfileRejectsLists(t *testing.T) {
	_, err := NewRegistry().Parse("Chengisfile",
		[]byte(`{:stages (shell "rm -rf /")}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lists")
}

func TestChengisfileRejectsTrailingContent(t *testing.T) {
	_, err := NewRegistry().Parse("Chengisfile",
		[]byte(`{:stages [{:name "a" :steps [{:name "s" :run "true"}]}]} {:more "data"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing")
}

func TestChengisfileRejectsZeroTimeout(t *testing.T) {
	_, err := NewRegistry().Parse("Chengisfile",
		[]byte(`{:stages [{:name "a" :steps [{:name "s" :run "true" :timeout 0}]}]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestChengisfileStringEscapes(t *testing.T) {
	p, err := NewRegistry().Parse("Chengisfile",
		[]byte(`{:stages [{:name "a" :steps [{:name "s" :run "echo \"hi\"\nls"}]}]}`))
	require.NoError(t, err)
	assert.Equal(t, "echo \"hi\"\nls", p.Stages[0].Steps[0].Common().Command)
}

func TestRegistryRejectsOversizedFiles(t *testing.T) {
	_, err := NewRegistry().Parse("Chengisfile", make([]byte, MaxFileSize+1))
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestRegistryUnknownFilename(t *testing.T) {
	_, err := NewRegistry().Parse("Jenkinsfile", []byte("{}"))
	assert.ErrorIs(t, err, ErrUnknownFormat)
}
