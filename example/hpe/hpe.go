package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/poseworks/go-posepipe"
	"github.com/poseworks/go-posepipe/engine/ort"
	"github.com/poseworks/go-posepipe/engine/tflite"
	"github.com/poseworks/go-posepipe/hpe"
	"github.com/poseworks/go-posepipe/postprocess"
	"github.com/poseworks/go-posepipe/render"
)

func main() {
	// disable logging timestamps
	log.SetFlags(0)

	// read in cli flags
	modelFile := flag.String("m", "../data/human-pose-estimation.onnx", "Pose estimation model file")
	imgDir := flag.String("d", "../data/people/", "A directory of images to run inference on")
	poolSize := flag.Int("s", 2, "Size of the inference request pool")
	backend := flag.String("b", "ort", "Inference backend to use, ort or tflite")
	ortLib := flag.String("l", "", "Path of the onnxruntime shared library, blank uses the platform default")
	threads := flag.Int("t", 0, "Threads per inference request, 0 uses all CPUs")
	outDir := flag.String("o", "", "Directory to write annotated result images to, blank disables rendering")
	fontPath := flag.String("f", "", "TTF font file used for pose labels, blank uses the built in Hershey font")

	flag.Parse()

	// check dir exists
	info, err := os.Stat(*imgDir)

	if err != nil {
		log.Fatalf("No such image directory %s, error: %v\n", *imgDir, err)
	}

	if !info.IsDir() {
		log.Fatal("Image path is not a directory")
	}

	var net posepipe.ExecutableNetwork

	switch *backend {
	case "ort":
		if err := ort.Init(*ortLib); err != nil {
			log.Fatalf("Error initializing onnxruntime: %v\n", err)
		}
		defer ort.Destroy()

		net, err = ort.NewNetwork(*modelFile, *threads)

	case "tflite":
		net, err = tflite.NewNetwork(*modelFile, *threads)

	default:
		log.Fatalf("Unknown backend %s\n", *backend)
	}

	if err != nil {
		log.Fatalf("Error loading model: %v\n", err)
	}
	defer net.Close()

	model, err := hpe.NewModel(net, *poolSize, postprocess.OpenPoseCOCOParams())

	if err != nil {
		log.Fatalf("Error creating pose model: %v\n", err)
	}
	defer model.Close()

	var ttf *render.TTFFont

	if *fontPath != "" {
		ttf, err = render.LoadTTFFont(*fontPath, 16)

		if err != nil {
			log.Fatalf("Error loading font: %v\n", err)
		}
		defer ttf.Close()
	}

	// get list of all files in the directory
	files, err := os.ReadDir(*imgDir)

	if err != nil {
		log.Fatalf("Error reading image directory: %v\n", err)
	}

	var mu sync.Mutex
	// sources keeps the submitted image per frame id for rendering
	sources := make(map[int64]string)
	images := make(map[int64]gocv.Mat)

	submitted := make(chan int64, 1)
	start := time.Now()

	go func() {
		var count int64

		for _, file := range files {
			if file.IsDir() {
				continue
			}

			path := filepath.Join(*imgDir, file.Name())
			img := gocv.IMRead(path, gocv.IMReadColor)

			if img.Empty() {
				log.Printf("Error reading image from: %s\n", path)
				img.Close()
				continue
			}

			id, err := model.SubmitFrame(img)

			if err != nil {
				log.Printf("Error submitting %s: %v\n", path, err)
			}

			if id < 0 {
				img.Close()
				continue
			}

			mu.Lock()
			sources[id] = path
			images[id] = img
			mu.Unlock()
			count++
		}

		submitted <- count
	}()

	var retrieved, total int64
	total = -1

	for total < 0 || retrieved < total {
		res, err := model.GetResult()

		if res == nil {
			// next frame in order has not completed yet
			select {
			case total = <-submitted:
			case <-time.After(time.Millisecond):
			}
			continue
		}

		mu.Lock()
		path := sources[res.FrameID]
		img := images[res.FrameID]
		delete(sources, res.FrameID)
		delete(images, res.FrameID)
		mu.Unlock()

		retrieved++

		if err != nil {
			log.Printf("Frame %d (%s) failed: %v\n", res.FrameID, path, err)
			img.Close()
			continue
		}

		log.Printf("Frame %d (%s): %d person(s)\n", res.FrameID, path,
			len(res.Poses))

		for _, pose := range res.Poses {
			log.Printf("  pose %d, score %.2f\n", pose.ID, pose.Score)
		}

		if *outDir != "" {
			writeRendered(img, res, *outDir, path, ttf)
		}

		img.Close()
	}

	model.WaitForTotalCompletion()

	perf := model.PerformanceInfo()
	log.Printf("Processed %d frames in %s, %.1f FPS\n", perf.FramesCount,
		time.Since(start).String(), perf.FPS)
	log.Printf("Latency mean %s, P50 %s, P95 %s\n", perf.LatencyMean,
		perf.LatencyP50, perf.LatencyP95)
}

// writeRendered draws the pose skeletons onto the source image and saves
// it to the output directory
func writeRendered(img gocv.Mat, res *hpe.FrameResult, outDir, srcPath string,
	ttf *render.TTFFont) {

	render.Poses(&img, res.Poses, 2)

	labels := make([]string, len(res.Poses))

	for i, pose := range res.Poses {
		labels[i] = fmt.Sprintf("id %d", pose.ID)
	}

	if ttf != nil {
		if err := render.PoseLabelsTTF(&img, res.Poses, ttf, render.Yellow,
			labels); err != nil {
			log.Printf("Error rendering labels: %v\n", err)
		}
	} else {
		render.PoseLabels(&img, res.Poses, render.DefaultFont(), labels)
	}

	outFile := filepath.Join(outDir, filepath.Base(srcPath))

	if ok := gocv.IMWrite(outFile, img); !ok {
		log.Printf("Error writing result image %s\n", outFile)
	}
}
