package store

import (
	"context"
	"fmt"
	"net/http"
	"time"

	resty "github.com/go-resty/resty/v2"

	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
)

type HTTPClient struct {
	restyClient *resty.Client
}

func NewHTTPClient(baseURL string, token string) *HTTPClient {
	restyClient := resty.New()
	restyClient.SetBaseURL(baseURL)
	if token != "" {
		restyClient.SetAuthToken(token)
	}
	restyClient.SetHeader("Content-Type", "application/json")
	restyClient.SetTimeout(30 * time.Second)
	restyClient.SetRetryCount(2)
	restyClient.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || r.StatusCode() >= http.StatusInternalServerError
	})
	return &HTTPClient{restyClient: restyClient}
}

// HTTPStore talks to a remote registry service that owns compute resources,
// credentials and job records.
type HTTPStore struct {
	BasicStore
	client *HTTPClient
}

func (b *BasicStore) WithHTTPClient(c *HTTPClient) *HTTPStore {
	return &HTTPStore{BasicStore: *b, client: c}
}

type HTTPResponseError struct {
	response *resty.Response
}

func NewHTTPResponseError(response *resty.Response) *HTTPResponseError {
	return &HTTPResponseError{
		response: response,
	}
}

func (e HTTPResponseError) Error() string {
	return fmt.Sprintf("%s %s", e.response.Request.URL, e.response.Status())
}

func (e HTTPResponseError) Unwrap() error {
	if e.response.StatusCode() == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

var (
	computeResourceIDParamName = "computeResourceID"
	protocolParamName          = "protocol"
	gatewayIDParamName         = "gatewayID"
	tokenParamName             = "token"
	taskIDParamName            = "taskID"
	scopeParamName             = "scope"
	scopeIDParamName           = "scopeID"

	computeResourcePathPattern = "api/compute-resources/%s"
	computeResourcePath        = fmt.Sprintf(computeResourcePathPattern, fmt.Sprintf("{%s}", computeResourceIDParamName))
	interfacePathPattern       = "api/compute-resources/%s/interfaces/%s"
	interfacePath              = fmt.Sprintf(interfacePathPattern, fmt.Sprintf("{%s}", computeResourceIDParamName), fmt.Sprintf("{%s}", protocolParamName))
	credentialPathPattern      = "api/gateways/%s/credentials/%s"
	credentialPath             = fmt.Sprintf(credentialPathPattern, fmt.Sprintf("{%s}", gatewayIDParamName), fmt.Sprintf("{%s}", tokenParamName))
	jobsPath                   = "api/jobs"
	jobPathPattern             = "api/jobs/%s"
	jobPath                    = fmt.Sprintf(jobPathPattern, fmt.Sprintf("{%s}", taskIDParamName))
	jobStatusesPathPattern     = "api/jobs/%s/statuses"
	jobStatusesPath            = fmt.Sprintf(jobStatusesPathPattern, fmt.Sprintf("{%s}", taskIDParamName))
	errorsPathPattern          = "api/%ss/%s/errors"
	errorsPath                 = fmt.Sprintf(errorsPathPattern, fmt.Sprintf("{%s}", scopeParamName), fmt.Sprintf("{%s}", scopeIDParamName))
)

func (s HTTPStore) get(ctx context.Context, path string, params map[string]string, result any) error {
	res, err := s.client.restyClient.R().
		SetContext(ctx).
		SetPathParams(params).
		SetResult(result).
		Get(path)
	if err != nil {
		return errors.WrapAndTrace(err)
	}
	if res.IsError() {
		return NewHTTPResponseError(res)
	}
	return nil
}

func (s HTTPStore) post(ctx context.Context, path string, params map[string]string, body any) error {
	res, err := s.client.restyClient.R().
		SetContext(ctx).
		SetPathParams(params).
		SetBody(body).
		Post(path)
	if err != nil {
		return errors.WrapAndTrace(err)
	}
	if res.IsError() {
		return NewHTTPResponseError(res)
	}
	return nil
}

func (s HTTPStore) GetComputeResource(ctx context.Context, computeResourceID string) (entity.ComputeResource, error) {
	var result entity.ComputeResource
	err := s.get(ctx, computeResourcePath, map[string]string{computeResourceIDParamName: computeResourceID}, &result)
	return result, err
}

func (s HTTPStore) GetJobSubmissionInterface(ctx context.Context, computeResourceID string, protocol entity.Protocol) (entity.JobSubmissionInterface, error) {
	var result entity.JobSubmissionInterface
	err := s.get(ctx, interfacePath, map[string]string{
		computeResourceIDParamName: computeResourceID,
		protocolParamName:          string(protocol),
	}, &result)
	if err != nil {
		return result, err
	}
	if result.ComputeResourceID == "" {
		result.ComputeResourceID = computeResourceID
	}
	return result, nil
}

type credentialResponse struct {
	LoginUser  string `json:"loginUser"`
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
	Passphrase string `json:"passphrase"`
}

func (s HTTPStore) Resolve(ctx context.Context, token, gatewayID string) (entity.Credential, error) {
	var result credentialResponse
	err := s.get(ctx, credentialPath, map[string]string{gatewayIDParamName: gatewayID, tokenParamName: token}, &result)
	if err != nil {
		return entity.Credential{}, err
	}
	return entity.Credential{
		AuthMaterial: entity.AuthMaterial{
			PublicKey:  []byte(result.PublicKey),
			PrivateKey: []byte(result.PrivateKey),
			Passphrase: result.Passphrase,
		},
		LoginUser: result.LoginUser,
	}, nil
}

func (s HTTPStore) AppendJobRecord(ctx context.Context, job entity.JobModel) error {
	return s.post(ctx, jobsPath, nil, job)
}

type jobStatusRequest struct {
	JobID  string           `json:"jobId"`
	Status entity.JobStatus `json:"status"`
}

func (s HTTPStore) AppendJobStatus(ctx context.Context, taskID, jobID string, status entity.JobStatus) error {
	return s.post(ctx, jobStatusesPath, map[string]string{taskIDParamName: taskID}, jobStatusRequest{JobID: jobID, Status: status})
}

func (s HTTPStore) AppendError(ctx context.Context, scope entity.ErrorScope, scopeID string, e entity.ErrorModel) error {
	return s.post(ctx, errorsPath, map[string]string{scopeParamName: string(scope), scopeIDParamName: scopeID}, e)
}

func (s HTTPStore) GetJob(ctx context.Context, taskID string) (entity.JobModel, error) {
	var result entity.JobModel
	err := s.get(ctx, jobPath, map[string]string{taskIDParamName: taskID}, &result)
	return result, err
}
