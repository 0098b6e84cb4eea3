package fdc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/model"
)

// APIError описывает ошибку транспорта или разбора ответа удалённой системы.
// Такие ошибки не приводят к локальным изменениям остатков; повтор —
// обязанность вызывающего слоя, а не клиента.
type APIError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote order api: %s: status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("remote order api: %s: %v", e.Endpoint, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Client инкапсулирует HTTP-взаимодействие с удалённой оптовой системой.
// Адреса запросов выводятся из внешних ссылок (см. DeriveEndpoints),
// поэтому клиент не хранит базового адреса.
type Client struct {
	accessToken string
	httpClient  *http.Client
}

// NewClient создаёт клиент удалённой оптовой системы с указанным токеном доступа.
func NewClient(accessToken string) *Client {
	return &Client{
		accessToken: accessToken,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// FetchCatalog загружает снимок оптового каталога по указанному адресу.
func (c *Client) FetchCatalog(ctx context.Context, catalogURL string) (*model.Catalog, error) {
	data, _, err := c.do(ctx, http.MethodGet, catalogURL, nil)
	if err != nil {
		return nil, err
	}

	catalog, err := decodeCatalog(data)
	if err != nil {
		return nil, &APIError{Endpoint: catalogURL, Err: err}
	}
	return catalog, nil
}

// ListOrders возвращает все заказы коллекции по указанному адресу.
func (c *Client) ListOrders(ctx context.Context, ordersURL string) ([]*model.Backorder, error) {
	data, _, err := c.do(ctx, http.MethodGet, ordersURL, nil)
	if err != nil {
		return nil, err
	}

	orders, err := decodeOrderList(data)
	if err != nil {
		return nil, &APIError{Endpoint: ordersURL, Err: err}
	}
	return orders, nil
}

// GetOrder возвращает заказ по его идентификатору. Если заказ в удалённой
// системе отсутствует, возвращается nil без ошибки.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*model.Backorder, error) {
	data, status, err := c.do(ctx, http.MethodGet, orderID, nil)
	if err != nil {
		if status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}

	order, err := decodeOrder(data)
	if err != nil {
		return nil, &APIError{Endpoint: orderID, Err: err}
	}
	return order, nil
}

// CreateOrder создаёт заказ в коллекции по указанному адресу и возвращает
// авторитетное представление удалённой системы с присвоенными идентификаторами.
func (c *Client) CreateOrder(ctx context.Context, ordersURL string, order *model.Backorder) (*model.Backorder, error) {
	return c.sendOrder(ctx, http.MethodPost, ordersURL, order)
}

// UpdateOrder обновляет уже созданный заказ по его идентификатору.
func (c *Client) UpdateOrder(ctx context.Context, order *model.Backorder) (*model.Backorder, error) {
	return c.sendOrder(ctx, http.MethodPut, order.SemanticID, order)
}

func (c *Client) sendOrder(ctx context.Context, method, endpoint string, order *model.Backorder) (*model.Backorder, error) {
	payload, err := encodeOrder(order)
	if err != nil {
		return nil, &APIError{Endpoint: endpoint, Err: err}
	}

	data, _, err := c.do(ctx, method, endpoint, payload)
	if err != nil {
		return nil, err
	}

	saved, err := decodeOrder(data)
	if err != nil {
		return nil, &APIError{Endpoint: endpoint, Err: err}
	}
	return saved, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, 0, &APIError{Endpoint: endpoint, Err: fmt.Errorf("create request: %w", err)}
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &APIError{Endpoint: endpoint, Err: fmt.Errorf("do request: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, resp.StatusCode, &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status: %d", resp.StatusCode)}
	}

	return data, resp.StatusCode, nil
}
