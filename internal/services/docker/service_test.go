package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/fgeck/nextcloud-restore/internal/apperr"
	"github.com/fgeck/nextcloud-restore/internal/models"
	"github.com/fgeck/nextcloud-restore/internal/progress"
	"github.com/fgeck/nextcloud-restore/internal/services/process"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockAPI struct {
	pingFunc    func(ctx context.Context) (types.Ping, error)
	listFunc    func(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	inspectFunc func(ctx context.Context, id string) (types.ContainerJSON, error)
	started     []string
	removed     []string
}

func (m *mockAPI) Ping(ctx context.Context) (types.Ping, error) {
	if m.pingFunc != nil {
		return m.pingFunc(ctx)
	}
	return types.Ping{}, nil
}

func (m *mockAPI) ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, options)
	}
	return nil, nil
}

func (m *mockAPI) ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error) {
	if m.inspectFunc != nil {
		return m.inspectFunc(ctx, id)
	}
	return types.ContainerJSON{}, errors.New("not implemented")
}

func (m *mockAPI) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	m.started = append(m.started, id)
	return nil
}

func (m *mockAPI) ContainerStop(ctx context.Context, id string, options container.StopOptions) error {
	return nil
}

func (m *mockAPI) ContainerRestart(ctx context.Context, id string, options container.StopOptions) error {
	return nil
}

func (m *mockAPI) ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error {
	m.removed = append(m.removed, id)
	return nil
}

type mockRunner struct {
	mu       sync.Mutex
	runFunc  func(ctx context.Context, cmd process.Command) (*process.Result, error)
	calls    []process.Command
	launched []process.Command
}

func (m *mockRunner) Run(ctx context.Context, cmd process.Command) (*process.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, cmd)
	m.mu.Unlock()
	if m.runFunc != nil {
		return m.runFunc(ctx, cmd)
	}
	return &process.Result{}, nil
}

func (m *mockRunner) Start(cmd process.Command) error {
	m.launched = append(m.launched, cmd)
	return nil
}

func (m *mockRunner) LookPath(name string) (string, error) {
	return "/usr/bin/" + name, nil
}

type mockHTTP struct {
	statuses []int
	calls    int
}

func (m *mockHTTP) Do(req *http.Request) (*http.Response, error) {
	i := m.calls
	m.calls++
	if i >= len(m.statuses) {
		i = len(m.statuses) - 1
	}
	if m.statuses[i] == 0 {
		return nil, errors.New("connection refused")
	}
	return &http.Response{StatusCode: m.statuses[i], Body: io.NopCloser(strings.NewReader(""))}, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func newTestService(api APIClient, runner process.Runner, opts Options) *Impl {
	svc := NewWithClients(testLogger(), api, runner, &mockHTTP{statuses: []int{200}}, opts)
	svc.goos = "linux"
	return svc
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   models.ContainerErrorKind
	}{
		{"daemon", "Cannot connect to the Docker daemon at unix:///var/run/docker.sock. Is the docker daemon running?", models.ContainerDaemonNotRunning},
		{"windows pipe", "error during connect: this error may indicate that the docker daemon is not running", models.ContainerDaemonNotRunning},
		{"port", "Error response from daemon: driver failed programming external connectivity on endpoint nextcloud-app: Bind for 0.0.0.0:8080 failed: port is already allocated", models.ContainerPortConflict},
		{"name", `Error response from daemon: Conflict. The container name "/nextcloud-app" is already in use by container "abc"`, models.ContainerNameConflict},
		{"image", "Unable to find image 'nextcloud:99' locally\nmanifest unknown", models.ContainerImageNotFound},
		{"disk", "write /var/lib/docker/tmp: no space left on device", models.ContainerDiskSpace},
		{"permission", "Got permission denied while trying to connect to the Docker daemon socket", models.ContainerPermissionDenied},
		{"volume", "invalid mount config for type \"bind\": bind source path does not exist", models.ContainerVolumeError},
		{"network", "Error response from daemon: network nextcloud-net not found", models.ContainerNetworkError},
		{"no such network", "Error response from daemon: No such network: nextcloud-net", models.ContainerNetworkError},
		{"unknown", "something odd happened", models.ContainerUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Classify(tt.stderr, 0)
			assert.Equal(t, tt.want, f.Kind)
			assert.NotEmpty(t, f.Suggestion)
		})
	}
}

func TestClassify_PortConflictSuggestsAlternatives(t *testing.T) {
	f := Classify("Bind for 0.0.0.0:8080 failed: port is already allocated", 0)
	assert.Equal(t, 8080, f.Port)
	assert.Equal(t, []int{8081, 8082, 8090, 8180}, f.AlternativePorts)
}

func TestAlternativePorts(t *testing.T) {
	assert.Equal(t, []int{65501, 65502, 65510}, AlternativePorts(65500))
	assert.Empty(t, AlternativePorts(65535))
	assert.Nil(t, AlternativePorts(0))
}

func TestIsNextcloudImage(t *testing.T) {
	assert.True(t, isNextcloudImage("nextcloud:28-apache"))
	assert.True(t, isNextcloudImage("docker.io/library/nextcloud:latest"))
	assert.True(t, isNextcloudImage("lscr.io/linuxserver/nextcloud"))
	assert.True(t, isNextcloudImage("nextcloud@sha256:abc"))
	assert.False(t, isNextcloudImage("mariadb:10.11"))
	assert.False(t, isNextcloudImage("nextcloud/aio-mastercontainer-wrapper:my-nextcloud"))
}

func TestListNextcloud(t *testing.T) {
	api := &mockAPI{
		listFunc: func(ctx context.Context, options container.ListOptions) ([]types.Container, error) {
			return []types.Container{
				{ID: "2", Names: []string{"/nc-b"}, Image: "nextcloud:27", State: "running",
					Ports: []types.Port{{PrivatePort: 80, PublicPort: 8081, Type: "tcp"}}},
				{ID: "1", Names: []string{"/nc-a"}, Image: "nextcloud:28", State: "running",
					Ports: []types.Port{{PrivatePort: 80, PublicPort: 8080, Type: "tcp"}, {PrivatePort: 9000}}},
				{ID: "3", Names: []string{"/db"}, Image: "mariadb:10.11", State: "running"},
			}, nil
		},
	}
	svc := newTestService(api, &mockRunner{}, Options{})

	list, err := svc.ListNextcloud(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "nc-a", list[0].Name)
	assert.Equal(t, map[int]int{8080: 80}, list[0].Ports)
	assert.Equal(t, 8081, list[1].HostPortFor(80))
}

func TestEnsureAvailable(t *testing.T) {
	t.Run("daemon already running", func(t *testing.T) {
		runner := &mockRunner{}
		svc := newTestService(&mockAPI{}, runner, Options{})
		require.NoError(t, svc.EnsureAvailable(context.Background()))
		assert.Empty(t, runner.launched)
	})

	t.Run("linux without daemon", func(t *testing.T) {
		api := &mockAPI{pingFunc: func(context.Context) (types.Ping, error) {
			return types.Ping{}, errors.New("cannot connect")
		}}
		svc := newTestService(api, &mockRunner{}, Options{})

		err := svc.EnsureAvailable(context.Background())
		var appErr *apperr.Error
		require.True(t, errors.As(err, &appErr))
		require.NotNil(t, appErr.Container)
		assert.Equal(t, models.ContainerDaemonNotRunning, appErr.Container.Kind)
	})

	t.Run("windows auto-start", func(t *testing.T) {
		desktop := filepath.Join(t.TempDir(), "Docker Desktop.exe")
		require.NoError(t, os.WriteFile(desktop, []byte{}, 0o600))

		pings := 0
		api := &mockAPI{pingFunc: func(context.Context) (types.Ping, error) {
			pings++
			if pings < 3 {
				return types.Ping{}, errors.New("pipe not found")
			}
			return types.Ping{}, nil
		}}
		runner := &mockRunner{}
		svc := newTestService(api, runner, Options{
			Settings:      models.DockerSettings{DesktopPath: desktop},
			StartAttempts: 5,
			StartInterval: time.Millisecond,
		})
		svc.goos = "windows"

		require.NoError(t, svc.EnsureAvailable(context.Background()))
		require.Len(t, runner.launched, 1)
		assert.Equal(t, desktop, runner.launched[0].Name)
		assert.Equal(t, 3, pings)
	})

	t.Run("auto-start gives up", func(t *testing.T) {
		desktop := filepath.Join(t.TempDir(), "Docker.app")
		require.NoError(t, os.MkdirAll(desktop, 0o750))

		api := &mockAPI{pingFunc: func(context.Context) (types.Ping, error) {
			return types.Ping{}, errors.New("not running")
		}}
		runner := &mockRunner{}
		svc := newTestService(api, runner, Options{
			Settings:      models.DockerSettings{DesktopPath: desktop},
			StartAttempts: 3,
			StartInterval: time.Millisecond,
		})
		svc.goos = "darwin"

		err := svc.EnsureAvailable(context.Background())
		require.Error(t, err)
		assert.True(t, apperr.Is(err, apperr.KindContainerFailure))
		require.Len(t, runner.launched, 1)
		assert.Equal(t, "open", runner.launched[0].Name)
		assert.Equal(t, []string{"-g", "-j", "-a", desktop}, runner.launched[0].Args)
	})
}

func TestExec_BuildsDockerArgs(t *testing.T) {
	runner := &mockRunner{}
	svc := newTestService(&mockAPI{}, runner, Options{})

	_, err := svc.Exec(context.Background(), "nextcloud-db", process.Command{
		Name:    "psql",
		Args:    []string{"-U", "nc"},
		Env:     []string{"PGPASSWORD=pw"},
		Stdin:   strings.NewReader("SELECT 1"),
		Secrets: []string{"pw"},
	})
	require.NoError(t, err)

	require.Len(t, runner.calls, 1)
	call := runner.calls[0]
	assert.Equal(t, "docker", call.Name)
	assert.Equal(t, []string{"exec", "-i", "-e", "PGPASSWORD=pw", "nextcloud-db", "psql", "-U", "nc"}, call.Args)
	assert.NotNil(t, call.Stdin)
	assert.Equal(t, []string{"pw"}, call.Secrets)
}

func TestCopyInto_PerFile(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "admin", "files"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(src, "admin", "files", "a.txt"), []byte("a"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "index.html"), []byte(""), 0o600))

	var skeletonDirs []string
	runner := &mockRunner{runFunc: func(ctx context.Context, cmd process.Command) (*process.Result, error) {
		if strings.HasSuffix(cmd.Args[1], string(os.PathSeparator)+".") {
			_, dirs, err := walkTree(strings.TrimSuffix(cmd.Args[1], string(os.PathSeparator)+"."))
			skeletonDirs = dirs
			return &process.Result{}, err
		}
		return &process.Result{}, nil
	}}
	svc := newTestService(&mockAPI{}, runner, Options{})

	var events []models.ProgressEvent
	err := svc.CopyInto(context.Background(), "nextcloud-app", src, "/var/www/html/data",
		progress.SinkFunc(func(ev models.ProgressEvent) { events = append(events, ev) }))
	require.NoError(t, err)

	assert.Equal(t, []string{"admin", "admin/files"}, skeletonDirs)
	require.Len(t, runner.calls, 3)
	assert.Equal(t, "nextcloud-app:/var/www/html/data/admin/files/a.txt", runner.calls[1].Args[2])
	assert.Equal(t, "nextcloud-app:/var/www/html/data/index.html", runner.calls[2].Args[2])

	require.Len(t, events, 2)
	assert.Equal(t, 2, events[1].Done)
	assert.Equal(t, 2, events[1].Total)

	skeleton := strings.TrimSuffix(runner.calls[0].Args[1], string(os.PathSeparator)+".")
	assert.NoDirExists(t, skeleton)
}

func TestCopyInto_WindowsStaging(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b.txt"), []byte("b"), 0o600))

	var staging string
	runner := &mockRunner{runFunc: func(ctx context.Context, cmd process.Command) (*process.Result, error) {
		if cmd.Name == "robocopy" {
			staging = cmd.Args[1]
			_, _ = cmd.Stdout.Write([]byte("\t\t\tC:\\src\\a.txt\r\n\t\t\tC:\\src\\b.txt\r\n"))
			return &process.Result{ExitCode: 1}, nil
		}
		return &process.Result{}, nil
	}}
	svc := newTestService(&mockAPI{}, runner, Options{})
	svc.goos = "windows"

	var events []models.ProgressEvent
	err := svc.CopyInto(context.Background(), "nextcloud-app", src, "/var/www/html/data",
		progress.SinkFunc(func(ev models.ProgressEvent) { events = append(events, ev) }))
	require.NoError(t, err)

	require.Len(t, runner.calls, 2)
	assert.Contains(t, runner.calls[0].Args, "/E")
	assert.Contains(t, runner.calls[0].Args, "/MT:8")
	assert.Equal(t, []string{"cp", staging + string(os.PathSeparator) + ".", "nextcloud-app:/var/www/html/data"}, runner.calls[1].Args)
	require.Len(t, events, 2)
	assert.Equal(t, 2, events[1].Total)
	assert.NoDirExists(t, staging)
}

func TestCopyInto_RobocopyFailure(t *testing.T) {
	var staging string
	runner := &mockRunner{runFunc: func(ctx context.Context, cmd process.Command) (*process.Result, error) {
		staging = cmd.Args[1]
		return &process.Result{ExitCode: 16}, nil
	}}
	svc := newTestService(&mockAPI{}, runner, Options{})
	svc.goos = "windows"

	err := svc.CopyInto(context.Background(), "app", t.TempDir(), "/dest", nil)
	require.Error(t, err)
	assert.Len(t, runner.calls, 1)
	assert.NoDirExists(t, staging)
}

func configTar(t *testing.T, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "config/config.php", Typeflag: tar.TypeReg, Mode: 0o640, Size: int64(len(content))}))
	_, err := tw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestDetectConfig(t *testing.T) {
	stream := configTar(t, `<?php $CONFIG = array('dbtype' => 'pgsql', 'dbname' => 'nc', 'dbhost' => 'postgres', 'dbuser' => 'u', 'dbpassword' => 'p');`)
	runner := &mockRunner{runFunc: func(ctx context.Context, cmd process.Command) (*process.Result, error) {
		_, err := cmd.Stdout.Write(stream)
		return &process.Result{}, err
	}}
	svc := newTestService(&mockAPI{}, runner, Options{})

	cfg, err := svc.DetectConfig(context.Background(), "nextcloud")
	require.NoError(t, err)
	assert.Equal(t, models.DBTypePgSQL, cfg.DBType)
	assert.Equal(t, "postgres", cfg.DBHost)
	assert.Equal(t, []string{"cp", "nextcloud:/var/www/html/config", "-"}, runner.calls[0].Args)
}

func TestAppImage(t *testing.T) {
	assert.Equal(t, "nextcloud:28", AppImage("", "28.0.1.1"))
	assert.Equal(t, "nextcloud:latest", AppImage("nextcloud", ""))
	assert.Equal(t, "nextcloud:27-apache", AppImage("nextcloud:27-apache", "28.0.1"))
	assert.Equal(t, "registry:5000/nextcloud:29", AppImage("registry:5000/nextcloud", "29.0.0.19"))
}

func TestCompose_MySQL(t *testing.T) {
	dir := t.TempDir()
	svc := newTestService(&mockAPI{}, &mockRunner{}, Options{ComposeDir: dir})
	svc.now = func() time.Time { return time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC) }

	topo, docPath, err := svc.Compose(ComposeConfig{
		DBType:      models.DBTypeMariaDB,
		Credentials: models.DBCredentials{Name: "nextcloud", User: "nc", Password: "pw"},
		HostPort:    8080,
		Version:     "28.0.1.1",
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "docker-compose-20240301_103000.yml"), docPath)
	app := topo.Services[ServiceApp]
	assert.Equal(t, AppContainerName, app.ContainerName)
	assert.Equal(t, "nextcloud:28", app.Image)
	assert.Equal(t, []string{"8080:80"}, app.Ports)
	assert.Equal(t, []string{ServiceDB}, app.DependsOn)

	db := topo.Services[ServiceDB]
	assert.Equal(t, DBContainerName, db.ContainerName)
	assert.Equal(t, "nextcloud", db.Environment["MYSQL_DATABASE"])
	assert.Equal(t, NetworkName, topo.Networks[NetworkName].Name)

	data, err := os.ReadFile(docPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "container_name: nextcloud-db")
}

func TestCompose_SQLiteHasNoDB(t *testing.T) {
	svc := newTestService(&mockAPI{}, &mockRunner{}, Options{})

	topo, docPath, err := svc.Compose(ComposeConfig{DBType: models.DBTypeSQLite, HostPort: 8080})
	require.NoError(t, err)
	assert.Empty(t, docPath)
	assert.NotContains(t, topo.Services, ServiceDB)
	assert.Empty(t, topo.Services[ServiceApp].DependsOn)
}

func TestCreateService_PortConflict(t *testing.T) {
	var errLog bytes.Buffer
	runner := &mockRunner{runFunc: func(ctx context.Context, cmd process.Command) (*process.Result, error) {
		return &process.Result{ExitCode: 125, Stderr: []byte("Bind for 0.0.0.0:8080 failed: port is already allocated")}, nil
	}}
	svc := newTestService(&mockAPI{}, runner, Options{ErrorLog: &errLog, ErrorLogPath: "/logs/nextcloud_docker_errors.log"})

	topo, _, err := svc.Compose(ComposeConfig{DBType: models.DBTypeSQLite, HostPort: 8080, AdminUser: "admin", AdminPassword: "s3cret"})
	require.NoError(t, err)

	err = svc.CreateService(context.Background(), topo, ServiceApp)
	require.Error(t, err)

	var appErr *apperr.Error
	require.True(t, errors.As(err, &appErr))
	require.NotNil(t, appErr.Container)
	assert.Equal(t, models.ContainerPortConflict, appErr.Container.Kind)
	assert.Equal(t, 8080, appErr.Container.Port)
	assert.Equal(t, []int{8081, 8082, 8090, 8180}, appErr.Container.AlternativePorts)
	assert.Equal(t, "/logs/nextcloud_docker_errors.log", appErr.Container.LogPath)
	assert.True(t, appErr.Recoverable())

	assert.Contains(t, errLog.String(), `"kind":"port_conflict"`)

	args := runner.calls[0].Args
	assert.Equal(t, "create", args[0])
	assert.Contains(t, args, "NEXTCLOUD_ADMIN_PASSWORD=s3cret")
	assert.Equal(t, []string{"s3cret"}, runner.calls[0].Secrets)
	assert.Equal(t, "nextcloud:latest", args[len(args)-1])
}

func TestCreateNetwork_AlreadyExists(t *testing.T) {
	runner := &mockRunner{runFunc: func(ctx context.Context, cmd process.Command) (*process.Result, error) {
		return &process.Result{ExitCode: 1, Stderr: []byte("network with name nextcloud-net already exists")}, nil
	}}
	svc := newTestService(&mockAPI{}, runner, Options{})
	assert.NoError(t, svc.CreateNetwork(context.Background(), NetworkName))
}

func TestWaitReady(t *testing.T) {
	t.Run("ready after redirect", func(t *testing.T) {
		httpClient := &mockHTTP{statuses: []int{0, 503, 302}}
		svc := NewWithClients(testLogger(), &mockAPI{}, &mockRunner{}, httpClient, Options{})
		svc.pollEvery = time.Millisecond

		require.NoError(t, svc.WaitReady(context.Background(), "http://localhost:8080/status.php", time.Second))
		assert.Equal(t, 3, httpClient.calls)
	})

	t.Run("timeout", func(t *testing.T) {
		httpClient := &mockHTTP{statuses: []int{503}}
		svc := NewWithClients(testLogger(), &mockAPI{}, &mockRunner{}, httpClient, Options{})
		svc.pollEvery = time.Millisecond

		err := svc.WaitReady(context.Background(), "http://localhost:8080", 10*time.Millisecond)
		assert.True(t, apperr.Is(err, apperr.KindTimedOut))
	})

	t.Run("connection errors are retried", func(t *testing.T) {
		httpClient := &mockHTTP{statuses: []int{0, 0, 0, 200}}
		svc := NewWithClients(testLogger(), &mockAPI{}, &mockRunner{}, httpClient, Options{})
		svc.pollEvery = time.Millisecond

		require.NoError(t, svc.WaitReady(context.Background(), "http://localhost:8080/status.php", time.Second))
		assert.Equal(t, 4, httpClient.calls)
	})

	t.Run("cancelled", func(t *testing.T) {
		httpClient := &mockHTTP{statuses: []int{503}}
		svc := NewWithClients(testLogger(), &mockAPI{}, &mockRunner{}, httpClient, Options{})
		svc.pollEvery = time.Millisecond

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := svc.WaitReady(ctx, "http://localhost:8080", time.Second)
		assert.True(t, apperr.Is(err, apperr.KindCancelled))
	})
}

func TestRemove_IgnoresEmptyNames(t *testing.T) {
	api := &mockAPI{}
	svc := newTestService(api, &mockRunner{}, Options{})

	require.NoError(t, svc.Remove(context.Background(), AppContainerName, "", DBContainerName))
	assert.Equal(t, []string{AppContainerName, DBContainerName}, api.removed)
}
