package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"fvpn/config"
)

// ErrGateway: шлюз не ответил или ответил неожиданно
var ErrGateway = errors.New("payment gateway error")

// paidStatus: billpaymentStatus успешной транзакции
const paidStatus = "1"

// Bill: параметры счёта в шлюзе
type Bill struct {
	Name        string
	Description string
	Amount      decimal.Decimal
	ExternalRef string
}

// Gateway: внешний платёжный шлюз
type Gateway interface {
	CreateBill(ctx context.Context, b Bill) (code, payURL string, err error)
	IsBillPaid(ctx context.Context, code string) (bool, error)
}

// ToyyibPay: клиент ToyyibPay (form-encoded POST, суммы в центах)
type ToyyibPay struct {
	cfg     config.ToyyibPayConfig
	baseURL string
	http    *http.Client
}

func NewToyyibPay(cfg config.ToyyibPayConfig) *ToyyibPay {
	base := "https://toyyibpay.com"
	if cfg.Sandbox {
		base = "https://dev.toyyibpay.com"
	}
	return &ToyyibPay{cfg: cfg, baseURL: base, http: &http.Client{Timeout: cfg.Timeout}}
}

func (t *ToyyibPay) CreateBill(ctx context.Context, b Bill) (string, string, error) {
	form := url.Values{
		"userSecretKey":           {t.cfg.UserSecretKey},
		"categoryCode":            {t.cfg.CategoryCode},
		"billName":                {truncate(b.Name, 30)},
		"billDescription":         {truncate(b.Description, 100)},
		"billPriceSetting":        {"1"},
		"billPayorInfo":           {"0"},
		"billAmount":              {b.Amount.Mul(decimal.NewFromInt(100)).Round(0).String()},
		"billReturnUrl":           {t.cfg.ReturnURL},
		"billCallbackUrl":         {t.cfg.CallbackURL},
		"billExternalReferenceNo": {b.ExternalRef},
		"billSplitPayment":        {"0"},
		"billPaymentChannel":      {"2"},
		"billExpiryDays":          {"1"},
	}
	var out []struct {
		BillCode string `json:"BillCode"`
	}
	raw, err := t.post(ctx, "/index.php/api/createBill", form, &out)
	if err != nil {
		return "", "", err
	}
	if len(out) == 0 || out[0].BillCode == "" {
		return "", "", fmt.Errorf("%w: unexpected createBill response: %s", ErrGateway, truncate(raw, 200))
	}
	code := out[0].BillCode
	return code, t.baseURL + "/" + code, nil
}

// Transaction: одна запись из getBillTransactions
type Transaction struct {
	Status string `json:"billpaymentStatus"`
	Amount string `json:"billpaymentAmount"`
	RefNo  string `json:"billpaymentInvoiceNo"`
}

func (t *ToyyibPay) GetBillTransactions(ctx context.Context, code string) ([]Transaction, error) {
	var out []Transaction
	if _, err := t.post(ctx, "/index.php/api/getBillTransactions", url.Values{"billCode": {code}}, &out); err != nil {
		// для счёта без транзакций шлюз отвечает не массивом
		if errors.Is(err, errNotJSONArray) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

// IsBillPaid: есть ли хотя бы одна успешная транзакция. Статус из callback не учитывается.
func (t *ToyyibPay) IsBillPaid(ctx context.Context, code string) (bool, error) {
	txs, err := t.GetBillTransactions(ctx, code)
	if err != nil {
		return false, err
	}
	return anyPaid(txs), nil
}

func anyPaid(txs []Transaction) bool {
	for _, tx := range txs {
		if strings.TrimSpace(tx.Status) == paidStatus {
			return true
		}
	}
	return false
}

var errNotJSONArray = errors.New("response is not a json array")

func (t *ToyyibPay) post(ctx context.Context, path string, form url.Values, out any) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read body: %v", ErrGateway, err)
	}
	raw := string(data)
	if resp.StatusCode != http.StatusOK {
		return raw, fmt.Errorf("%w: status %d", ErrGateway, resp.StatusCode)
	}
	if !strings.HasPrefix(strings.TrimSpace(raw), "[") {
		return raw, fmt.Errorf("%w: %w", ErrGateway, errNotJSONArray)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return raw, fmt.Errorf("%w: decode: %v", ErrGateway, err)
	}
	return raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
