package aliyun

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aliyun/alibaba-cloud-sdk-go/sdk"
	"github.com/aliyun/alibaba-cloud-sdk-go/sdk/requests"
	"github.com/aliyun/alibaba-cloud-sdk-go/sdk/responses"

	"ai-speech-relay-service/internal/service/token"
)

const (
	tokenDomain  = "nls-meta.cn-shanghai.aliyuncs.com"
	tokenVersion = "2019-02-28"
	tokenAction  = "CreateToken"
)

type commonRequester interface {
	ProcessCommonRequest(request *requests.CommonRequest) (*responses.CommonResponse, error)
}

// TokenFetcher obtains NLS access tokens through the CreateToken API.
// Wrap it in a token.Cache so all sessions share one token.
type TokenFetcher struct {
	client commonRequester
	domain string
}

var _ token.Fetcher = (*TokenFetcher)(nil)

// NewTokenFetcher creates a fetcher signing requests with the given access key.
func NewTokenFetcher(region, accessKeyID, accessKeySecret string) (*TokenFetcher, error) {
	c, err := sdk.NewClientWithAccessKey(region, accessKeyID, accessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("aliyun sdk client: %w", err)
	}
	return &TokenFetcher{client: c, domain: tokenDomain}, nil
}

// Fetch calls CreateToken. The SDK call does not take a context, so a
// cancelled ctx is only honored before the request is sent.
func (f *TokenFetcher) Fetch(ctx context.Context) (token.Token, error) {
	if err := ctx.Err(); err != nil {
		return token.Token{}, err
	}

	req := requests.NewCommonRequest()
	req.Method = "POST"
	req.Scheme = "https"
	req.Domain = f.domain
	req.Version = tokenVersion
	req.ApiName = tokenAction

	resp, err := f.client.ProcessCommonRequest(req)
	if err != nil {
		return token.Token{}, fmt.Errorf("aliyun CreateToken: %w", err)
	}
	return parseTokenResponse(resp.GetHttpContentBytes())
}

type createTokenResponse struct {
	Token struct {
		ID         string `json:"Id"`
		ExpireTime int64  `json:"ExpireTime"`
	} `json:"Token"`
	ErrMsg string `json:"ErrMsg"`
}

func parseTokenResponse(body []byte) (token.Token, error) {
	var r createTokenResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return token.Token{}, fmt.Errorf("aliyun CreateToken: decode response: %w", err)
	}
	if r.Token.ID == "" || r.Token.ExpireTime == 0 {
		if r.ErrMsg != "" {
			return token.Token{}, fmt.Errorf("aliyun CreateToken: %s", r.ErrMsg)
		}
		return token.Token{}, fmt.Errorf("aliyun CreateToken: invalid response format")
	}
	return token.Token{
		Value:     r.Token.ID,
		ExpiresAt: time.Unix(r.Token.ExpireTime, 0),
	}, nil
}
