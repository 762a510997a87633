package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/imroc/req/v3"
)

var (
	serverEndpoint = flag.String("server", "http://localhost:3000", "shorturls HTTP endpoint")
	shortcode      = flag.String("shortcode", "", "custom shortcode for shorten")
	validity       = flag.Int("validity", 0, "minutes until the short link expires, for shorten")
	withQR         = flag.Bool("qr", false, "ask for a QR code of the short link, for shorten")
)

const usage = `Usage: shorturls-cli [flags] <command> <value>

A CLI to interact with the shorturls service.

Commands:
  shorten <url>    Shortens a long URL.
  stats <code>     Shows the click statistics of a shortcode.

Flags:
`

const clientTimeout = 5 * time.Second

var errNotFound = errors.New("shortcode not found")

type createRequest struct {
	URL       string `json:"url"`
	Shortcode string `json:"shortcode,omitempty"`
	Validity  int    `json:"validity,omitempty"`
	QR        bool   `json:"qr,omitempty"`
}

type createResponse struct {
	Shortcode string    `json:"shortcode"`
	ShortLink string    `json:"shortLink"`
	Expiry    time.Time `json:"expiry"`
	QRCode    string    `json:"qrCode"`
}

type click struct {
	Timestamp time.Time `json:"timestamp"`
	Referrer  string    `json:"referrer"`
	Location  string    `json:"location"`
}

type statsResponse struct {
	Shortcode   string    `json:"shortcode"`
	OriginalURL string    `json:"originalUrl"`
	CreatedAt   time.Time `json:"createdAt"`
	Expiry      time.Time `json:"expiry"`
	TotalClicks int64     `json:"totalClicks"`
	Clicks      []click   `json:"clicks"`
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "Error: invalid arguments. Expected a command and a value.")
		flag.Usage()
		os.Exit(1)
	}

	command := args[0]
	value := args[1]

	client := newClient(*serverEndpoint)
	ctx := context.Background()

	var err error
	switch command {
	case "shorten":
		err = shortenCmd(ctx, os.Stdout, client, createRequest{
			URL:       value,
			Shortcode: *shortcode,
			Validity:  *validity,
			QR:        *withQR,
		})
	case "stats":
		err = statsCmd(ctx, os.Stdout, client, value)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", command)
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newClient(baseURL string) *req.Client {
	return req.C().
		SetBaseURL(baseURL).
		SetTimeout(clientTimeout).
		SetUserAgent("shorturls-cli").
		SetCommonHeader("Accept", "application/json")
}

func shortenCmd(ctx context.Context, w io.Writer, client *req.Client, body createRequest) error {
	var out createResponse
	var apiErr apiError
	resp, err := client.R().
		SetContext(ctx).
		SetBody(body).
		SetSuccessResult(&out).
		SetErrorResult(&apiErr).
		Post("/shorturls")
	if err != nil {
		return fmt.Errorf("could not reach server: %w", err)
	}
	if resp.IsErrorState() {
		return fmt.Errorf("%s: %s", apiErr.Error, apiErr.Message)
	}

	fmt.Fprintf(w, "short link: %s\n", out.ShortLink)
	fmt.Fprintf(w, "expires:    %s\n", out.Expiry.Local().Format(time.RFC1123))
	if out.QRCode != "" {
		fmt.Fprintf(w, "qr code:    %s\n", out.QRCode)
	}
	return nil
}

func statsCmd(ctx context.Context, w io.Writer, client *req.Client, code string) error {
	var out statsResponse
	var apiErr apiError
	resp, err := client.R().
		SetContext(ctx).
		SetSuccessResult(&out).
		SetErrorResult(&apiErr).
		Get("/shorturls/" + url.PathEscape(code))
	if err != nil {
		return fmt.Errorf("could not reach server: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.IsErrorState() {
		return fmt.Errorf("%s: %s", apiErr.Error, apiErr.Message)
	}

	fmt.Fprintf(w, "original url: %s\n", out.OriginalURL)
	fmt.Fprintf(w, "created:      %s\n", out.CreatedAt.Local().Format(time.RFC1123))
	fmt.Fprintf(w, "expires:      %s\n", out.Expiry.Local().Format(time.RFC1123))
	fmt.Fprintf(w, "clicks:       %d\n", out.TotalClicks)
	for _, c := range out.Clicks {
		ref := c.Referrer
		if ref == "" {
			ref = "direct"
		}
		fmt.Fprintf(w, "  %s  %-14s %s\n", c.Timestamp.Local().Format(time.DateTime), c.Location, ref)
	}
	return nil
}
